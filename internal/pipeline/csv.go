package pipeline

import (
	"bytes"
	"encoding/csv"
	"strings"
)

// CSVFields splits one CSV line into trimmed fields. Quoted fields may
// contain commas and escaped quotes but not line breaks, since the
// pipeline reads one physical line at a time.
func CSVFields(line []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	fields, err := r.Read()
	if err != nil {
		return nil, err
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields, nil
}

// IsBlank reports whether a line holds only whitespace or a UTF-8 BOM
func IsBlank(line []byte) bool {
	return len(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("\xef\xbb\xbf")))) == 0
}
