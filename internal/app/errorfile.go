package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"

	"bulkflow/internal/domain"
	"bulkflow/internal/storage"
)

var errorFileHeader = []string{"row", "field", "error_type", "message"}

// writeErrorFile stores up to limit row errors as CSV so a user can fix and
// re-submit just those rows.
func writeErrorFile(ctx context.Context, blobs storage.Client, taskID string, details []domain.ErrorDetail, limit int) (string, error) {
	if limit > 0 && len(details) > limit {
		details = details[:limit]
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(errorFileHeader); err != nil {
		return "", err
	}
	for _, d := range details {
		row := []string{strconv.FormatInt(d.RowNumber, 10), d.Field, d.ErrorType, d.Message}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	return blobs.Put(ctx, "errors/"+taskID+".csv", &buf, int64(buf.Len()), storage.PutOptions{ContentType: "text/csv"})
}
