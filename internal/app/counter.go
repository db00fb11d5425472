package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"bulkflow/internal/storage"
)

// countLines streams an object once and returns its line count and size. A
// final line without a trailing newline still counts.
func countLines(ctx context.Context, blobs storage.Client, ref string) (int64, int64, error) {
	obj, err := blobs.Get(ctx, ref)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", ref, err)
	}
	defer obj.Close()

	r := bufio.NewReaderSize(obj, 64*1024)
	buf := make([]byte, 64*1024)

	var lines, size int64
	var last byte
	for {
		if err := ctx.Err(); err != nil {
			return lines, size, err
		}
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				lines++
			}
		}
		if n > 0 {
			size += int64(n)
			last = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return lines, size, fmt.Errorf("error counting lines: %w", err)
		}
	}
	if size > 0 && last != '\n' {
		lines++
	}
	return lines, size, nil
}
