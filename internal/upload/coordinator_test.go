package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkflow/internal/domain"
	"bulkflow/internal/storage"
	"bulkflow/internal/store"
)

type fixture struct {
	coord *Coordinator
	store *store.SQLiteStore
	blobs *storage.MemoryClient
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "uploads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	blobs := storage.NewMemoryClient("test")
	return &fixture{
		coord: NewCoordinator(s, blobs, nil, cfg, nil),
		store: s,
		blobs: blobs,
	}
}

func hashOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// splitFile cuts data into n roughly equal chunks
func splitFile(data []byte, n int) [][]byte {
	size := (len(data) + n - 1) / n
	chunks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

func testFile(lines int) []byte {
	var b strings.Builder
	b.WriteString("id,name,email\n")
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&b, "%d,user%d,user%d@example.com\n", i, i, i)
	}
	return []byte(b.String())
}

func (f *fixture) init(t *testing.T, name string, data []byte, chunks int, owner string) *InitResult {
	t.Helper()
	res, err := f.coord.Init(context.Background(), InitRequest{
		FileName:    name,
		TotalChunks: chunks,
		TotalSize:   int64(len(data)),
		FileHash:    hashOf(data),
		OwnerID:     owner,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) send(t *testing.T, uploadID string, n int, chunk []byte) *ChunkResult {
	t.Helper()
	res, err := f.coord.UploadChunk(context.Background(), uploadID, n, bytes.NewReader(chunk), hashOf(chunk))
	require.NoError(t, err)
	return res
}

func readBlob(t *testing.T, blobs storage.Client, ref string) []byte {
	t.Helper()
	obj, err := blobs.Get(context.Background(), ref)
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	return data
}

func TestCoordinator_ResumableUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := testFile(200)
	chunks := splitFile(data, 4)

	res := f.init(t, "users.csv", data, 4, "alice")
	assert.False(t, res.InstantComplete)
	assert.Empty(t, res.UploadedChunks)
	id := res.UploadID

	f.send(t, id, 2, chunks[1])
	r := f.send(t, id, 4, chunks[3])
	assert.Equal(t, 2, r.Received)
	assert.False(t, r.AllChunksPresent)

	var exists []bool
	for n := 1; n <= 4; n++ {
		ok, err := f.coord.IsChunkExists(ctx, id, n)
		require.NoError(t, err)
		exists = append(exists, ok)
	}
	assert.Equal(t, []bool{false, true, false, true}, exists)

	// a reconnecting client learns what is already there
	again := f.init(t, "users.csv", data, 4, "alice")
	assert.Equal(t, id, again.UploadID)
	assert.Equal(t, []int{2, 4}, again.UploadedChunks)

	f.send(t, id, 1, chunks[0])
	r = f.send(t, id, 3, chunks[2])
	assert.True(t, r.AllChunksPresent)

	ref, err := f.coord.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, readBlob(t, f.blobs, ref))
	assert.Equal(t, hashOf(data), hashOf(readBlob(t, f.blobs, ref)))

	// chunk objects are reclaimed after the merge
	assert.Equal(t, 1, f.blobs.Len())
	remaining, err := f.store.ListChunks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	p, err := f.coord.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCompleted, p.Status)
	assert.Equal(t, 100, p.Percent)

	// completing twice returns the same file
	ref2, err := f.coord.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
}

func TestCoordinator_MergeOrderIndependentOfArrival(t *testing.T) {
	data := testFile(97)
	chunks := splitFile(data, 4)
	orders := [][]int{
		{1, 2, 3, 4},
		{4, 3, 2, 1},
		{2, 4, 1, 3},
		{3, 1, 4, 2},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			res := f.init(t, "data.csv", data, 4, "alice")
			for _, n := range order {
				f.send(t, res.UploadID, n, chunks[n-1])
			}
			ref, err := f.coord.Complete(context.Background(), res.UploadID)
			require.NoError(t, err)
			assert.Equal(t, data, readBlob(t, f.blobs, ref))
		})
	}
}

func TestCoordinator_Dedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := testFile(50)
	chunks := splitFile(data, 2)

	res := f.init(t, "a.csv", data, 2, "alice")
	f.send(t, res.UploadID, 1, chunks[0])
	f.send(t, res.UploadID, 2, chunks[1])
	ref, err := f.coord.Complete(ctx, res.UploadID)
	require.NoError(t, err)

	for _, owner := range []string{"alice", "bob"} {
		again := f.init(t, "copy.csv", data, 2, owner)
		assert.True(t, again.InstantComplete)
		assert.Equal(t, ref, again.FileRef)
		assert.Equal(t, []int{1, 2}, again.UploadedChunks)
	}

	// the same hash with a different size is a different file
	other, err := f.coord.Init(ctx, InitRequest{FileName: "x.csv", TotalChunks: 1, TotalSize: int64(len(data)) + 1, FileHash: hashOf(data)})
	require.NoError(t, err)
	assert.False(t, other.InstantComplete)
}

func TestCoordinator_CompleteRequiresAllChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := testFile(40)
	chunks := splitFile(data, 5)
	res := f.init(t, "a.csv", data, 5, "alice")

	f.send(t, res.UploadID, 1, chunks[0])
	f.send(t, res.UploadID, 4, chunks[3])

	_, err := f.coord.Complete(ctx, res.UploadID)
	var inc *domain.UploadIncompleteError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, []int{2, 3, 5}, inc.Missing)

	p, err := f.coord.Progress(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ReceivedChunks)
	assert.Equal(t, 40, p.Percent)
	assert.Equal(t, int64(len(chunks[0])+len(chunks[3])), p.ReceivedBytes)
}

func TestCoordinator_ChunkValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := testFile(10)
	res := f.init(t, "a.csv", data, 2, "alice")

	_, err := f.coord.UploadChunk(ctx, res.UploadID, 1, bytes.NewReader([]byte("abc")), hashOf([]byte("abd")))
	var mismatch *domain.ChunkHashMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 1, mismatch.ChunkNumber)

	_, err = f.coord.UploadChunk(ctx, res.UploadID, 3, bytes.NewReader([]byte("abc")), hashOf([]byte("abc")))
	var oor *domain.ChunkOutOfRangeError
	require.True(t, errors.As(err, &oor))

	_, err = f.coord.UploadChunk(ctx, res.UploadID, 0, bytes.NewReader([]byte("abc")), hashOf([]byte("abc")))
	assert.True(t, errors.As(err, &oor))

	// uppercase client hashes are accepted
	_, err = f.coord.UploadChunk(ctx, res.UploadID, 1, bytes.NewReader([]byte("abc")), strings.ToUpper(hashOf([]byte("abc"))))
	require.NoError(t, err)

	_, err = f.coord.UploadChunk(ctx, "missing", 1, bytes.NewReader(nil), hashOf(nil))
	var nf *domain.UploadNotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestCoordinator_ChunkTooLarge(t *testing.T) {
	f := newFixture(t, Config{MaxChunkSize: 4})
	data := []byte("0123456789")
	res := f.init(t, "a.bin", data, 2, "alice")

	_, err := f.coord.UploadChunk(context.Background(), res.UploadID, 1, bytes.NewReader(data[:5]), hashOf(data[:5]))
	assert.Error(t, err)
}

func TestCoordinator_CorruptedMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := testFile(30)
	chunks := splitFile(data, 2)

	// the client declares the hash of different content with the same size
	wrong := bytes.Repeat([]byte("x"), len(data))
	res, err := f.coord.Init(ctx, InitRequest{FileName: "a.csv", TotalChunks: 2, TotalSize: int64(len(data)), FileHash: hashOf(wrong)})
	require.NoError(t, err)
	f.send(t, res.UploadID, 1, chunks[0])
	f.send(t, res.UploadID, 2, chunks[1])

	_, err = f.coord.Complete(ctx, res.UploadID)
	var corrupted *domain.CorruptedFileError
	require.True(t, errors.As(err, &corrupted))
	assert.Equal(t, hashOf(data), corrupted.Actual)

	session, err := f.store.GetUpload(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadFailed, session.Status)

	// only the two chunks remain, the merged object was removed
	assert.Equal(t, 2, f.blobs.Len())

	_, err = f.coord.UploadChunk(ctx, res.UploadID, 1, bytes.NewReader(chunks[0]), hashOf(chunks[0]))
	var closed *domain.UploadClosedError
	assert.True(t, errors.As(err, &closed))
}

func TestCoordinator_CorruptedMergeKeepsEarlierFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := testFile(100)

	first := f.init(t, "users.csv", data, 1, "alice")
	f.send(t, first.UploadID, 1, data)
	ref, err := f.coord.Complete(ctx, first.UploadID)
	require.NoError(t, err)
	ok, err := f.blobs.Exists(ctx, f.coord.stagingKey(first.UploadID))
	require.NoError(t, err)
	assert.False(t, ok)

	// same declared hash with another size, so it is not deduplicated
	garbage := []byte("not the declared content")
	second, err := f.coord.Init(ctx, InitRequest{
		FileName:    "users.csv",
		TotalChunks: 1,
		TotalSize:   int64(len(garbage)),
		FileHash:    hashOf(data),
		OwnerID:     "bob",
	})
	require.NoError(t, err)
	require.False(t, second.InstantComplete)
	f.send(t, second.UploadID, 1, garbage)

	_, err = f.coord.Complete(ctx, second.UploadID)
	var corrupted *domain.CorruptedFileError
	require.True(t, errors.As(err, &corrupted))

	assert.Equal(t, data, readBlob(t, f.blobs, ref))
	ok, err = f.blobs.Exists(ctx, f.coord.stagingKey(second.UploadID))
	require.NoError(t, err)
	assert.False(t, ok)
}

// gatedBlobs blocks chunk writes until release is closed
type gatedBlobs struct {
	*storage.MemoryClient
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (string, error) {
	if strings.HasPrefix(key, "chunks/") {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.MemoryClient.Put(ctx, key, r, size, opts)
}

func TestCoordinator_CancelWaitsForChunkBeingStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	gated := &gatedBlobs{MemoryClient: f.blobs, entered: make(chan struct{}), release: make(chan struct{})}
	f.coord = NewCoordinator(f.store, gated, nil, DefaultConfig(), nil)

	data := testFile(50)
	chunks := splitFile(data, 2)
	res := f.init(t, "users.csv", data, 2, "alice")

	chunkErr := make(chan error, 1)
	go func() {
		_, err := f.coord.UploadChunk(ctx, res.UploadID, 1, bytes.NewReader(chunks[0]), hashOf(chunks[0]))
		chunkErr <- err
	}()
	<-gated.entered

	cancelErr := make(chan error, 1)
	go func() { cancelErr <- f.coord.Cancel(ctx, res.UploadID) }()

	select {
	case err := <-cancelErr:
		t.Fatalf("cancel returned while a chunk was being stored: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	require.NoError(t, <-chunkErr)
	require.NoError(t, <-cancelErr)

	p, err := f.coord.Progress(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCancelled, p.Status)
	assert.Equal(t, 0, p.ReceivedChunks)
	assert.Equal(t, 0, f.blobs.Len())

	_, err = f.coord.UploadChunk(ctx, res.UploadID, 2, bytes.NewReader(chunks[1]), hashOf(chunks[1]))
	var closed *domain.UploadClosedError
	assert.True(t, errors.As(err, &closed))
}

func TestCoordinator_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := testFile(20)
	chunks := splitFile(data, 2)
	res := f.init(t, "a.csv", data, 2, "alice")
	f.send(t, res.UploadID, 1, chunks[0])

	require.NoError(t, f.coord.Cancel(ctx, res.UploadID))
	require.NoError(t, f.coord.Cancel(ctx, res.UploadID))
	require.NoError(t, f.coord.Cancel(ctx, "never-existed"))

	assert.Equal(t, 0, f.blobs.Len())
	p, err := f.coord.Progress(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCancelled, p.Status)
	assert.Equal(t, 0, p.ReceivedChunks)

	_, err = f.coord.Complete(ctx, res.UploadID)
	var closed *domain.UploadClosedError
	assert.True(t, errors.As(err, &closed))

	// a new init after cancel starts a fresh session
	again := f.init(t, "a.csv", data, 2, "alice")
	assert.NotEqual(t, res.UploadID, again.UploadID)
}

func TestCoordinator_ReapExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{SessionTTL: 20 * time.Millisecond})
	data := testFile(20)
	chunks := splitFile(data, 2)

	stale := f.init(t, "a.csv", data, 2, "alice")
	f.send(t, stale.UploadID, 1, chunks[0])

	time.Sleep(40 * time.Millisecond)

	n, err := f.coord.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.blobs.Len())

	session, err := f.store.GetUpload(ctx, stale.UploadID)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadCancelled, session.Status)

	n, err = f.coord.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCoordinator_PresignedURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	data := []byte("hello")
	res := f.init(t, "hello.txt", data, 1, "alice")
	f.send(t, res.UploadID, 1, data)
	ref, err := f.coord.Complete(ctx, res.UploadID)
	require.NoError(t, err)

	url, err := f.coord.PresignedURL(ctx, ref, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, ref)
}

func TestKeyedMutex(t *testing.T) {
	k := keyedMutex{locks: make(map[string]*keyedEntry)}
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Len(t, k.locks, 2)
	unlockA()
	unlockB()
	assert.Empty(t, k.locks)

	// readers share a key, a writer waits for them
	r1 := k.RLock("c")
	r2 := k.RLock("c")
	locked := make(chan struct{})
	go func() {
		unlock := k.Lock("c")
		close(locked)
		unlock()
	}()
	r1()
	select {
	case <-locked:
		t.Fatal("writer took the key while a reader held it")
	case <-time.After(20 * time.Millisecond):
	}
	r2()
	<-locked
}
