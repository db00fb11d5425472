package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"bulkflow/internal/domain"
)

// EventType names what happened to a task
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
)

// Event is one progress notification for a task owner
type Event struct {
	Type      EventType     `json:"type"`
	TaskID    string        `json:"task_id"`
	Kind      domain.Kind   `json:"kind"`
	Status    domain.Status `json:"status"`
	Progress  int           `json:"progress"`
	Total     int64         `json:"total"`
	Success   int64         `json:"success"`
	Failure   int64         `json:"failure"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventFor builds an event from the current task state
func EventFor(t EventType, task *domain.Task) Event {
	return Event{
		Type:      t,
		TaskID:    task.ID,
		Kind:      task.Kind,
		Status:    task.Status,
		Progress:  task.ProgressPercent,
		Total:     task.TotalCount,
		Success:   task.SuccessCount,
		Failure:   task.FailureCount,
		Message:   task.Message,
		Timestamp: task.UpdatedAt,
	}
}

// Notifier pushes task events to the owner. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, event Event) error
}

// Func adapts a function to Notifier
type Func func(ctx context.Context, ownerID string, event Event) error

// Notify implements Notifier
func (f Func) Notify(ctx context.Context, ownerID string, event Event) error {
	return f(ctx, ownerID, event)
}

// Nop discards events
var Nop Notifier = Func(func(context.Context, string, Event) error { return nil })

// LogNotifier writes events to a logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, ownerID string, event Event) error {
	n.logger.Info("Task event",
		zap.String("owner_id", ownerID),
		zap.String("task_id", event.TaskID),
		zap.String("type", string(event.Type)),
		zap.String("status", string(event.Status)),
		zap.Int("progress", event.Progress),
		zap.Int64("success", event.Success),
		zap.Int64("failure", event.Failure),
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, ownerID string, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ownerID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
