package app

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bulkflow/internal/config"
	"bulkflow/internal/domain"
	"bulkflow/internal/notify"
	"bulkflow/internal/pipeline"
	"bulkflow/internal/storage"
	"bulkflow/internal/task"
	"bulkflow/internal/upload"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Database.Path = filepath.Join(t.TempDir(), "bulkflow.db")
	cfg.Upload.ReapInterval = 0
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.BufferSize = 16
	cfg.Pipeline.ProgressEvery = 10
	cfg.Segment.Size = 10
	cfg.Segment.BaseDelay = 10 * time.Millisecond
	cfg.Segment.Timeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) (*Engine, *storage.MemoryClient) {
	t.Helper()
	blobs := storage.NewMemoryClient(cfg.Storage.Bucket)
	e, err := New(context.Background(), cfg, zap.NewNop(), append([]Option{WithBlobStore(blobs)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, blobs
}

func putFile(t *testing.T, blobs storage.Client, key, body string) string {
	t.Helper()
	ref, err := blobs.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), storage.PutOptions{})
	require.NoError(t, err)
	return ref
}

func readBlob(t *testing.T, blobs storage.Client, ref string) string {
	t.Helper()
	obj, err := blobs.Get(context.Background(), ref)
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	return string(data)
}

func csvLines(n int) string {
	var b strings.Builder
	b.WriteString("id,name\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d,user-%d\n", i, i)
	}
	return b.String()
}

func TestCountLines(t *testing.T) {
	blobs := storage.NewMemoryClient("test")
	ctx := context.Background()

	tests := []struct {
		body string
		want int64
	}{
		{"", 0},
		{"a", 1},
		{"a\n", 1},
		{"a\nb", 2},
		{"a\nb\n\n", 3},
	}
	for i, tt := range tests {
		ref := putFile(t, blobs, fmt.Sprintf("f%d", i), tt.body)
		lines, size, err := countLines(ctx, blobs, ref)
		require.NoError(t, err)
		assert.Equal(t, tt.want, lines, "body %q", tt.body)
		assert.Equal(t, int64(len(tt.body)), size)
	}

	_, _, err := countLines(ctx, blobs, "missing")
	assert.Error(t, err)
}

func TestParseRow(t *testing.T) {
	_, ok, err := ParseRow([]byte("   "), 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseRow([]byte("# comment"), 2)
	require.NoError(t, err)
	assert.False(t, ok)

	row, ok, err := ParseRow([]byte(`7, "Smith, Jane" ,x`), 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), row.Line)
	assert.Equal(t, []string{"7", "Smith, Jane", "x"}, row.Fields)
}

func TestImportCSV_AllRowsCommitted(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	body := csvLines(95) + "\n# trailing comment\n"
	ref := putFile(t, blobs, "files/users.csv", body)

	report, err := e.ImportCSV(ctx, CSVImport{
		Request:    task.CreateRequest{OwnerID: "u1", FileName: "users.csv", SourceFileRef: ref},
		Columns:    2,
		SkipHeader: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(95), report.Success)
	assert.Equal(t, int64(0), report.Failure)
	assert.Equal(t, int64(2), report.Skipped)
	assert.Empty(t, report.ErrorFileRef)
	require.NotNil(t, report.Task)
	assert.Equal(t, domain.StatusCompleted, report.Task.Status)
	assert.Equal(t, domain.KindImport, report.Task.Kind)
	assert.Equal(t, int64(95), report.Task.SuccessCount)
	assert.Equal(t, 100, report.Task.ProgressPercent)

	var stored int
	require.NoError(t, e.Store().QueryRow(ctx,
		`SELECT COUNT(*) FROM imported_rows WHERE task_id = ?`, report.Task.ID).Scan(&stored))
	assert.Equal(t, 95, stored)
}

func TestImportCSV_InvalidRowsProduceErrorFile(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	body := "id,name\n1,a\n2\n3,c\n4,d,extra\n5,e\n"
	ref := putFile(t, blobs, "files/bad.csv", body)

	report, err := e.ImportCSV(ctx, CSVImport{
		Request:    task.CreateRequest{OwnerID: "u1", FileName: "bad.csv", SourceFileRef: ref},
		Columns:    2,
		SkipHeader: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.Success)
	assert.Equal(t, int64(2), report.Failure)
	assert.Equal(t, domain.StatusFailed, report.Task.Status)

	details, err := e.Registry().Errors(ctx, report.Task.ID, 10)
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, int64(3), details[0].RowNumber)
	assert.Equal(t, int64(5), details[1].RowNumber)
	assert.Equal(t, "validation", details[0].ErrorType)

	require.NotEmpty(t, report.ErrorFileRef)
	assert.Equal(t, report.ErrorFileRef, report.Task.ErrorFileRef)
	content := readBlob(t, blobs, report.ErrorFileRef)
	assert.True(t, strings.HasPrefix(content, "row,field,error_type,message\n"))
	assert.Contains(t, content, `3,,validation,"expected 2 fields, got 1"`)
}

func TestImportCSV_PartialFailureAllowed(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))

	ref := putFile(t, blobs, "files/mixed.csv", "1,a\n2\n3,c\n")
	report, err := e.ImportCSV(context.Background(), CSVImport{
		Request: task.CreateRequest{OwnerID: "u1", FileName: "mixed.csv", SourceFileRef: ref, AllowPartialFailure: true},
		Columns: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, report.Task.Status)
	assert.Contains(t, report.Task.Message, "1 of 3 records failed")
}

type account struct {
	id   int
	name string
}

func parseAccount(line []byte, _ int64) (account, bool, error) {
	fields, err := pipeline.CSVFields(line)
	if err != nil {
		return account{}, false, err
	}
	if len(fields) != 2 {
		return account{}, false, fmt.Errorf("want 2 fields")
	}
	var a account
	if _, err := fmt.Sscanf(fields[0], "%d", &a.id); err != nil {
		return account{}, false, err
	}
	a.name = fields[1]
	return a, true, nil
}

func TestRunImport_FailedSegmentCompensatedAndRetried(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))
	ctx := context.Background()
	ref := putFile(t, blobs, "files/accounts.csv", csvLines(50))

	var mu sync.Mutex
	calls := make(map[int]int)
	var compensated []int
	committed := make(map[int]bool)

	report, err := RunImport(ctx, e, ImportSpec[account, int]{
		Request: task.CreateRequest{OwnerID: "u1", FileName: "accounts.csv", SourceFileRef: ref},
		Parse:   parseAccount,
		Commit: func(ctx context.Context, recs []account) ([]int, error) {
			mu.Lock()
			defer mu.Unlock()
			ids := make([]int, len(recs))
			for i, a := range recs {
				ids[i] = a.id
				if a.id == 23 {
					calls[23]++
					if calls[23] == 1 {
						return nil, errors.New("deadlock detected")
					}
				}
			}
			for _, id := range ids {
				committed[id] = true
			}
			return ids, nil
		},
		Compensate: func(ctx context.Context, recs []account) error {
			mu.Lock()
			defer mu.Unlock()
			for _, a := range recs {
				compensated = append(compensated, a.id)
			}
			return nil
		},
		SkipHeader: true,
		Precount:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(50), report.Success)
	assert.Equal(t, int64(0), report.Failure)
	assert.Equal(t, 0, report.FailedSegments)
	assert.Equal(t, domain.StatusCompleted, report.Task.Status)
	assert.Equal(t, int64(50), report.Task.TotalCount)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, committed, 50)
	assert.Len(t, compensated, 10)
	assert.Contains(t, compensated, 23)
	assert.Equal(t, 2, calls[23])
}

func TestRunImport_PermanentSegmentFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Segment.MaxRetries = 2
	e, blobs := newTestEngine(t, cfg)
	ref := putFile(t, blobs, "files/accounts.csv", csvLines(30))

	report, err := RunImport(context.Background(), e, ImportSpec[account, int]{
		Request: task.CreateRequest{OwnerID: "u1", FileName: "accounts.csv", SourceFileRef: ref},
		Parse:   parseAccount,
		Commit: func(ctx context.Context, recs []account) ([]int, error) {
			for _, a := range recs {
				if a.id == 15 {
					return nil, errors.New("constraint violation")
				}
			}
			return make([]int, len(recs)), nil
		},
		SkipHeader: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(20), report.Success)
	assert.Equal(t, int64(10), report.Failure)
	assert.Equal(t, 1, report.FailedSegments)
	assert.Equal(t, report.Total, report.Success+report.Failure+report.Skipped)
	assert.Equal(t, domain.StatusFailed, report.Task.Status)

	details, err := e.Registry().Errors(context.Background(), report.Task.ID, 100)
	require.NoError(t, err)
	assert.Len(t, details, 10)
	for _, d := range details {
		assert.Equal(t, "commit", d.ErrorType)
		assert.Contains(t, d.Message, "constraint violation")
	}
}

func TestRunImport_ErrorRateAbortsRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.MaxErrorRate = 0.1
	cfg.Pipeline.MinSamples = 10
	e, blobs := newTestEngine(t, cfg)

	var b strings.Builder
	for i := 1; i <= 200; i++ {
		if i%2 == 0 {
			b.WriteString("broken\n")
			continue
		}
		fmt.Fprintf(&b, "%d,x\n", i)
	}
	ref := putFile(t, blobs, "files/noisy.csv", b.String())

	report, err := RunImport(context.Background(), e, ImportSpec[account, int]{
		Request: task.CreateRequest{OwnerID: "u1", FileName: "noisy.csv", SourceFileRef: ref, AllowPartialFailure: true},
		Parse:   parseAccount,
		Commit: func(ctx context.Context, recs []account) ([]int, error) {
			return make([]int, len(recs)), nil
		},
	})
	var rate *domain.ErrorRateExceededError
	require.ErrorAs(t, err, &rate)
	require.NotNil(t, report)
	assert.Equal(t, domain.StatusFailed, report.Task.Status)
}

func TestRunImport_MissingSource(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	report, err := RunImport(ctx, e, ImportSpec[account, int]{
		Request: task.CreateRequest{OwnerID: "u1", FileName: "gone.csv", SourceFileRef: "files/gone.csv"},
		Parse:   parseAccount,
		Commit: func(ctx context.Context, recs []account) ([]int, error) {
			return nil, nil
		},
	})
	require.Error(t, err)
	assert.Nil(t, report)

	page, err := e.Registry().List(ctx, task.Filter{OwnerID: "u1"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.StatusFailed, page.Items[0].Status)
}

func TestRunImport_RejectsMissingFunctions(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t))

	_, err := RunImport(context.Background(), e, ImportSpec[account, int]{
		Request: task.CreateRequest{OwnerID: "u1", SourceFileRef: "x"},
	})
	assert.Error(t, err)

	_, err = RunImport(context.Background(), e, ImportSpec[account, int]{
		Request: task.CreateRequest{OwnerID: "u1"},
		Parse:   parseAccount,
		Commit:  func(ctx context.Context, recs []account) ([]int, error) { return nil, nil },
	})
	assert.ErrorContains(t, err, "source file")
}

func TestProcessImport_MissingFunctionsFailsStartedTask(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	tk, err := e.Registry().Create(ctx, task.CreateRequest{Kind: domain.KindImport, OwnerID: "u1", SourceFileRef: "x"})
	require.NoError(t, err)

	_, err = ProcessImport(ctx, e, tk, ImportSpec[account, int]{})
	assert.Error(t, err)

	got, err := e.Registry().Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.NotNil(t, got.StartTime)
}

func TestProcessImport_Cancelled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.BufferSize = 2
	cfg.Pipeline.ProgressEvery = 1
	e, blobs := newTestEngine(t, cfg)
	ctx := context.Background()
	ref := putFile(t, blobs, "files/big.csv", csvLines(1000))

	tk, err := e.Registry().Create(ctx, task.CreateRequest{
		Kind: domain.KindImport, OwnerID: "u1", FileName: "big.csv", SourceFileRef: ref,
	})
	require.NoError(t, err)

	var once sync.Once
	var commits int
	report, err := ProcessImport(ctx, e, tk, ImportSpec[account, int]{
		Parse: parseAccount,
		Validate: func(ctx context.Context, a account) error {
			if a.id == 2 {
				once.Do(func() { assert.NoError(t, e.Registry().Cancel(ctx, tk.ID)) })
			}
			return nil
		},
		Commit: func(ctx context.Context, recs []account) ([]int, error) {
			commits++
			return make([]int, len(recs)), nil
		},
		SkipHeader: true,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, report.Task.Status)
	assert.Equal(t, int64(0), report.Success)
	assert.Zero(t, commits)
}

func TestImport_ConcurrencyLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Task.MaxConcurrentPerUser = 1
	e, blobs := newTestEngine(t, cfg)
	ctx := context.Background()
	ref := putFile(t, blobs, "files/a.csv", "1,a\n")

	_, err := e.Registry().Create(ctx, task.CreateRequest{
		Kind: domain.KindImport, OwnerID: "u1", FileName: "held.csv", SourceFileRef: ref,
	})
	require.NoError(t, err)

	_, err = e.ImportCSV(ctx, CSVImport{
		Request: task.CreateRequest{OwnerID: "u1", FileName: "a.csv", SourceFileRef: ref},
	})
	var limit *domain.ConcurrencyLimitExceededError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "user", limit.Scope)

	// exports are counted separately
	report, err := e.ExportRows(ctx, task.CreateRequest{OwnerID: "u1", FileName: "out.csv"}, "none", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, report.Task.Status)
}

func TestExportRows_RoundTrip(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	body := "id,name\n1,alpha\n2,\"beta, gamma\"\n3,delta\n"
	ref := putFile(t, blobs, "files/in.csv", body)
	imp, err := e.ImportCSV(ctx, CSVImport{
		Request:    task.CreateRequest{OwnerID: "u1", FileName: "in.csv", SourceFileRef: ref},
		SkipHeader: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), imp.Success)

	exp, err := e.ExportRows(ctx, task.CreateRequest{OwnerID: "u1", FileName: "out"}, imp.Task.ID, []string{"id", "name"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), exp.Records)
	assert.Equal(t, domain.StatusCompleted, exp.Task.Status)
	assert.Equal(t, domain.KindExport, exp.Task.Kind)
	assert.Equal(t, exp.ResultFileRef, exp.Task.ResultFileRef)
	assert.Equal(t, "exports/"+exp.Task.ID+"/out.csv", exp.ResultFileRef)
	assert.Equal(t, body, readBlob(t, blobs, exp.ResultFileRef))
}

func numberExport(req task.CreateRequest, pages *[]int) ExportSpec[int] {
	return ExportSpec[int]{
		Request:  req,
		Header:   []string{"n"},
		PageSize: 4,
		Total:    10,
		Fetch: func(ctx context.Context, page, size int) ([]int, error) {
			*pages = append(*pages, page)
			var out []int
			for i := (page-1)*size + 1; i <= page*size && i <= 10; i++ {
				out = append(out, i)
			}
			return out, nil
		},
		Row: func(n int) ([]string, error) {
			if n == 7 {
				return nil, errors.New("unprintable")
			}
			return []string{fmt.Sprint(n)}, nil
		},
	}
}

func TestRunExport_PagesAndRowErrors(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	var pages []int
	report, err := RunExport(ctx, e, numberExport(task.CreateRequest{
		OwnerID: "u1", FileName: "numbers.csv", AllowPartialFailure: true,
	}, &pages))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, pages)
	assert.Equal(t, int64(9), report.Records)
	assert.Equal(t, int64(1), report.Failed)
	assert.Equal(t, domain.StatusCompleted, report.Task.Status)
	assert.Equal(t, report.ResultFileRef, report.Task.ResultFileRef)
	assert.Equal(t, "n\n1\n2\n3\n4\n5\n6\n8\n9\n10\n", readBlob(t, blobs, report.ResultFileRef))

	details, err := e.Registry().Errors(ctx, report.Task.ID, 10)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "format", details[0].ErrorType)
}

func TestRunExport_RowErrorsWithoutPartialFailureDropFile(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	var pages []int
	report, err := RunExport(ctx, e, numberExport(task.CreateRequest{OwnerID: "u1", FileName: "numbers.csv"}, &pages))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, report.Task.Status)
	assert.Empty(t, report.ResultFileRef)
	assert.Empty(t, report.Task.ResultFileRef)
	assert.Equal(t, 0, blobs.Len())

	details, err := e.Registry().Errors(ctx, report.Task.ID, 10)
	require.NoError(t, err)
	assert.Len(t, details, 1)
}

func TestRunExport_FetchErrorFailsTask(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t))

	report, err := RunExport(context.Background(), e, ExportSpec[int]{
		Request: task.CreateRequest{OwnerID: "u1"},
		Fetch: func(ctx context.Context, page, size int) ([]int, error) {
			return nil, errors.New("database gone")
		},
		Row: func(n int) ([]string, error) { return nil, nil },
	})
	require.ErrorContains(t, err, "database gone")
	assert.Equal(t, domain.StatusFailed, report.Task.Status)
	assert.Empty(t, report.Task.ResultFileRef)
}

func TestRunExport_Cancelled(t *testing.T) {
	e, blobs := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	var taskID string
	report, err := RunExport(ctx, e, ExportSpec[int]{
		Request:  task.CreateRequest{OwnerID: "u1", FileName: "endless.csv"},
		PageSize: 2,
		Fetch: func(ctx context.Context, page, size int) ([]int, error) {
			if page == 2 {
				list, err := e.Registry().List(ctx, task.Filter{OwnerID: "u1"}, 1, 1)
				if err != nil {
					return nil, err
				}
				taskID = list.Items[0].ID
				if err := e.Registry().Cancel(ctx, taskID); err != nil {
					return nil, err
				}
			}
			return []int{1, 2}, nil
		},
		Row: func(n int) ([]string, error) { return []string{fmt.Sprint(n)}, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, report.Task.Status)
	assert.Empty(t, report.ResultFileRef)
	assert.Equal(t, 0, blobs.Len())
}

func TestUploadFile_ResumeAndDedup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.MaxChunkSize = 1024 * 1024
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "people.csv")
	body := csvLines(500)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	const chunk = 1024

	first, err := e.UploadFile(ctx, path, "u1", chunk)
	require.NoError(t, err)
	total := (len(body) + chunk - 1) / chunk
	assert.Equal(t, total, first.Sent)
	assert.False(t, first.Instant)
	require.NotEmpty(t, first.FileRef)

	progress, err := e.Uploads().Progress(ctx, first.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Percent)
	assert.Equal(t, domain.UploadCompleted, progress.Status)

	again, err := e.UploadFile(ctx, path, "u2", chunk)
	require.NoError(t, err)
	assert.True(t, again.Instant)
	assert.Equal(t, 0, again.Sent)
	assert.Equal(t, first.FileRef, again.FileRef)

	report, err := e.ImportCSV(ctx, CSVImport{
		Request:    task.CreateRequest{OwnerID: "u1", FileName: "people.csv", SourceFileRef: first.FileRef},
		Columns:    2,
		SkipHeader: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), report.Success)
}

func TestUploadFile_ResumesInterruptedUpload(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "data.csv")
	body := []byte(csvLines(200))
	require.NoError(t, os.WriteFile(path, body, 0o600))
	const chunk = 512
	total := (len(body) + chunk - 1) / chunk

	// a client that was cut off after the first chunk
	fileSum := md5.Sum(body)
	init, err := e.Uploads().Init(ctx, upload.InitRequest{
		FileName:    "data.csv",
		TotalChunks: total,
		TotalSize:   int64(len(body)),
		FileHash:    hex.EncodeToString(fileSum[:]),
		OwnerID:     "u1",
	})
	require.NoError(t, err)
	chunkSum := md5.Sum(body[:chunk])
	_, err = e.Uploads().UploadChunk(ctx, init.UploadID, 1, bytes.NewReader(body[:chunk]), hex.EncodeToString(chunkSum[:]))
	require.NoError(t, err)

	res, err := e.UploadFile(ctx, path, "u1", chunk)
	require.NoError(t, err)
	assert.Equal(t, init.UploadID, res.UploadID)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, total-1, res.Sent)
	require.NotEmpty(t, res.FileRef)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, ownerID string, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestEngine_NotifiesCompletion(t *testing.T) {
	rec := &recordingNotifier{}
	e, blobs := newTestEngine(t, testConfig(t), WithNotifier(rec))
	ref := putFile(t, blobs, "files/n.csv", "1,a\n")

	_, err := e.ImportCSV(context.Background(), CSVImport{
		Request: task.CreateRequest{OwnerID: "u1", FileName: "n.csv", SourceFileRef: ref},
	})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.events)
	assert.Equal(t, notify.EventComplete, rec.events[len(rec.events)-1].Type)
}

func TestEngine_StartAndClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.ReapInterval = time.Hour
	cfg.Redis.Addr = "127.0.0.1:1"
	e, err := New(context.Background(), cfg, zap.NewNop(), WithBlobStore(storage.NewMemoryClient("b")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	require.NoError(t, e.Close())
}
