package domain

import "time"

// Kind distinguishes import jobs from export jobs.
type Kind string

const (
	KindImport Kind = "IMPORT"
	KindExport Kind = "EXPORT"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindImport || k == KindExport
}

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
// Re-applying the current non-terminal status is allowed so that status
// updates stay idempotent.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed ||
			next == StatusCancelled
	}
	return false
}

// Task is one import or export job tracked end-to-end by the registry.
type Task struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Kind                Kind       `json:"kind"`
	Status              Status     `json:"status"`
	BusinessType        string     `json:"business_type"`
	FileName            string     `json:"file_name"`
	SourceFileRef       string     `json:"source_file_ref,omitempty"`
	ResultFileRef       string     `json:"result_file_ref,omitempty"`
	ErrorFileRef        string     `json:"error_file_ref,omitempty"`
	TotalCount          int64      `json:"total_count"`
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	SkipCount           int64      `json:"skip_count"`
	ProgressPercent     int        `json:"progress_percent"`
	OwnerID             string     `json:"owner_id"`
	Priority            int        `json:"priority"`
	AllowPartialFailure bool       `json:"allow_partial_failure"`
	Message             string     `json:"message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartTime           *time.Time `json:"start_time,omitempty"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	DurationMs          int64      `json:"duration_ms"`
}

// Processed is the number of records that reached a final per-record outcome.
func (t *Task) Processed() int64 {
	return t.SuccessCount + t.FailureCount + t.SkipCount
}

// PartialFailureAccepted reports whether a run with failed records still
// ends COMPLETED.
func (t *Task) PartialFailureAccepted() bool {
	return t.AllowPartialFailure && t.FailureCount < t.TotalCount
}

// ErrorDetail describes one rejected import row so that a user can correct
// and re-submit only the failing rows.
type ErrorDetail struct {
	TaskID    string `json:"task_id"`
	RowNumber int64  `json:"row_number"`
	Field     string `json:"field,omitempty"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
