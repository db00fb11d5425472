package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bulkflow/internal/domain"
	"bulkflow/internal/notify"
	"bulkflow/internal/ratelimit"
	"bulkflow/internal/store"
)

// Outcome tells the caller whether an update changed the task
type Outcome int

const (
	// OutcomeApplied means the update was written
	OutcomeApplied Outcome = iota
	// OutcomeIgnoredTerminal means the task had already finished; nothing changed
	OutcomeIgnoredTerminal
	// OutcomeIgnoredStale means the update would have moved counters backwards
	OutcomeIgnoredStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnoredTerminal:
		return "ignored_terminal"
	case OutcomeIgnoredStale:
		return "ignored_stale"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Config holds admission and bookkeeping limits
type Config struct {
	MaxConcurrentPerUser int
	MaxConcurrentSystem  int
	// CreateRateMax > 0 enables a per-owner create quota when a gate is attached
	CreateRateMax    int
	CreateRateWindow time.Duration
	MaxErrorDetails  int
}

// DefaultConfig returns the standard limits
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerUser: 2,
		MaxConcurrentSystem:  10,
		CreateRateWindow:     time.Minute,
		MaxErrorDetails:      1000,
	}
}

// CreateRequest describes a task to admit
type CreateRequest struct {
	Name                string
	Kind                domain.Kind
	BusinessType        string
	FileName            string
	OwnerID             string
	SourceFileRef       string
	Priority            int
	AllowPartialFailure bool
}

// Statistics are the per-record counters of a task
type Statistics struct {
	Total   int64
	Success int64
	Failure int64
	Skip    int64
}

// Filter narrows List
type Filter = store.TaskFilter

// Page is one page of tasks
type Page struct {
	Items []*domain.Task `json:"items"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

// Registry owns the lifecycle of every task. Processing code reports to it
// and never writes task rows directly.
type Registry struct {
	store    store.Store
	gate     *ratelimit.Gate
	notifier notify.Notifier
	cfg      Config
	logger   *zap.Logger

	// mu makes admission counting and every read-modify-write atomic
	mu sync.Mutex
}

// Option configures a Registry
type Option func(*Registry)

// WithGate attaches a request-rate gate to Create
func WithGate(g *ratelimit.Gate) Option {
	return func(r *Registry) { r.gate = g }
}

// WithNotifier sets where task events are pushed
func WithNotifier(n notify.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// NewRegistry creates a task registry
func NewRegistry(s store.Store, cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxConcurrentPerUser <= 0 {
		cfg.MaxConcurrentPerUser = def.MaxConcurrentPerUser
	}
	if cfg.MaxConcurrentSystem <= 0 {
		cfg.MaxConcurrentSystem = def.MaxConcurrentSystem
	}
	if cfg.CreateRateWindow <= 0 {
		cfg.CreateRateWindow = def.CreateRateWindow
	}
	if cfg.MaxErrorDetails <= 0 {
		cfg.MaxErrorDetails = def.MaxErrorDetails
	}

	r := &Registry{
		store:    s,
		notifier: notify.Nop,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create admits a new PENDING task
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*domain.Task, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("invalid task kind %q", req.Kind)
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner id cannot be empty")
	}

	if r.gate != nil && r.cfg.CreateRateMax > 0 {
		key := ratelimit.UserKey("create-"+strings.ToLower(string(req.Kind)), req.OwnerID)
		if err := r.gate.Check(ctx, key, r.cfg.CreateRateWindow, r.cfg.CreateRateMax); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	userActive, err := r.store.CountActiveTasks(ctx, req.Kind, req.OwnerID)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to count user tasks: %w", err)
	}
	if userActive >= r.cfg.MaxConcurrentPerUser {
		r.mu.Unlock()
		return nil, &domain.ConcurrencyLimitExceededError{
			OwnerID: req.OwnerID, Kind: req.Kind, Scope: "user", Limit: r.cfg.MaxConcurrentPerUser,
		}
	}

	systemActive, err := r.store.CountActiveTasks(ctx, req.Kind, "")
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to count system tasks: %w", err)
	}
	if systemActive >= r.cfg.MaxConcurrentSystem {
		r.mu.Unlock()
		return nil, &domain.ConcurrencyLimitExceededError{
			OwnerID: req.OwnerID, Kind: req.Kind, Scope: "system", Limit: r.cfg.MaxConcurrentSystem,
		}
	}

	now := time.Now()
	t := &domain.Task{
		ID:                  uuid.NewString(),
		Name:                req.Name,
		Kind:                req.Kind,
		Status:              domain.StatusPending,
		BusinessType:        req.BusinessType,
		FileName:            req.FileName,
		SourceFileRef:       req.SourceFileRef,
		OwnerID:             req.OwnerID,
		Priority:            req.Priority,
		AllowPartialFailure: req.AllowPartialFailure,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if t.Name == "" {
		t.Name = fmt.Sprintf("%s %s", strings.ToLower(string(req.Kind)), req.FileName)
	}
	err = r.store.InsertTask(ctx, t)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	r.logger.Info("Task created",
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("owner_id", t.OwnerID))
	r.notify(ctx, notify.EventStatus, t)
	return t, nil
}

// Get returns a task by ID
func (r *Registry) Get(ctx context.Context, id string) (*domain.Task, error) {
	return r.store.GetTask(ctx, id)
}

// List returns one page of tasks, newest first. page is 1-based.
func (r *Registry) List(ctx context.Context, filter Filter, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 500 {
		size = 500
	}

	items, total, err := r.store.ListTasks(ctx, filter, size, (page-1)*size)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: page, Size: size}, nil
}

// UpdateStatus moves a task to status. Re-applying the current status is a no-op write.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status domain.Status) (Outcome, error) {
	t, outcome, err := r.mutate(ctx, id, func(t *domain.Task, now time.Time) (bool, error) {
		if !t.Status.CanTransitionTo(status) {
			return false, &domain.InvalidTransitionError{TaskID: id, From: t.Status, To: status}
		}
		t.Status = status
		if status == domain.StatusProcessing && t.StartTime == nil {
			t.StartTime = &now
		}
		if status.IsTerminal() {
			finish(t, now)
		}
		return true, nil
	})
	if err == nil && outcome == OutcomeApplied {
		r.notify(ctx, notify.EventStatus, t)
	}
	return outcome, err
}

// UpdateProgress records processed out of total. The percentage never goes down.
func (r *Registry) UpdateProgress(ctx context.Context, id string, processed, total int64) (Outcome, error) {
	t, outcome, err := r.mutate(ctx, id, func(t *domain.Task, now time.Time) (bool, error) {
		if total > t.TotalCount {
			t.TotalCount = total
		}
		pct := percent(processed, t.TotalCount)
		if pct < t.ProgressPercent {
			return false, nil
		}
		t.ProgressPercent = pct
		return true, nil
	})
	if err == nil && outcome == OutcomeApplied {
		r.notify(ctx, notify.EventProgress, t)
	}
	return outcome, err
}

// UpdateStatistics overwrites the counters. Writes that would lower the
// success count or the processed sum are ignored as stale; the counters
// are clamped so their sum never exceeds the total.
func (r *Registry) UpdateStatistics(ctx context.Context, id string, stats Statistics) (Outcome, error) {
	t, outcome, err := r.mutate(ctx, id, func(t *domain.Task, now time.Time) (bool, error) {
		if stats.Total > t.TotalCount {
			t.TotalCount = stats.Total
		}
		s := clampStatistics(stats, t.TotalCount)
		processed := s.Success + s.Failure + s.Skip
		if s.Success < t.SuccessCount || processed < t.Processed() {
			return false, nil
		}
		t.SuccessCount = s.Success
		t.FailureCount = s.Failure
		t.SkipCount = s.Skip
		// an unknown total grows with what has been seen
		if processed > t.TotalCount {
			t.TotalCount = processed
		}
		if pct := percent(processed, t.TotalCount); pct > t.ProgressPercent {
			t.ProgressPercent = pct
		}
		return true, nil
	})
	if err == nil && outcome == OutcomeApplied {
		r.notify(ctx, notify.EventProgress, t)
	}
	return outcome, err
}

// Complete moves a PROCESSING task to its terminal state. A failed run of a
// task that allows partial failure still completes when fewer records failed
// than the task's total.
func (r *Registry) Complete(ctx context.Context, id string, success bool, message string) (Outcome, error) {
	t, outcome, err := r.mutate(ctx, id, func(t *domain.Task, now time.Time) (bool, error) {
		if !t.Status.CanTransitionTo(domain.StatusCompleted) {
			return false, &domain.InvalidTransitionError{TaskID: id, From: t.Status, To: domain.StatusCompleted}
		}
		switch {
		case success:
			t.Status = domain.StatusCompleted
			t.Message = message
		case t.PartialFailureAccepted():
			t.Status = domain.StatusCompleted
			t.Message = fmt.Sprintf("completed with %d of %d records failed", t.FailureCount, t.TotalCount)
			if message != "" {
				t.Message += ": " + message
			}
		default:
			t.Status = domain.StatusFailed
			t.Message = message
		}
		finish(t, now)
		return true, nil
	})
	if err == nil && outcome == OutcomeApplied {
		r.logger.Info("Task finished",
			zap.String("task_id", id),
			zap.String("status", string(t.Status)),
			zap.Int64("success", t.SuccessCount),
			zap.Int64("failure", t.FailureCount),
			zap.Int64("duration_ms", t.DurationMs))
		r.notify(ctx, notify.EventComplete, t)
	}
	return outcome, err
}

// Fail marks a PROCESSING task FAILED regardless of partial-failure
// settings. It is used for system errors that end a run before all records
// were seen.
func (r *Registry) Fail(ctx context.Context, id string, message string) (Outcome, error) {
	t, outcome, err := r.mutate(ctx, id, func(t *domain.Task, now time.Time) (bool, error) {
		if !t.Status.CanTransitionTo(domain.StatusFailed) {
			return false, &domain.InvalidTransitionError{TaskID: id, From: t.Status, To: domain.StatusFailed}
		}
		t.Status = domain.StatusFailed
		t.Message = message
		finish(t, now)
		return true, nil
	})
	if err == nil && outcome == OutcomeApplied {
		r.logger.Error("Task failed", zap.String("task_id", id), zap.String("message", message))
		r.notify(ctx, notify.EventComplete, t)
	}
	return outcome, err
}

// Cancel stops a PENDING or PROCESSING task. Running work notices at its
// next IsCancelled poll.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !t.Status.CanTransitionTo(domain.StatusCancelled) {
		r.mu.Unlock()
		return &domain.InvalidTransitionError{TaskID: id, From: t.Status, To: domain.StatusCancelled}
	}
	now := time.Now()
	t.Status = domain.StatusCancelled
	t.Message = "cancelled"
	finish(t, now)
	t.UpdatedAt = now
	err = r.store.UpdateTask(ctx, t)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", id, err)
	}

	r.logger.Info("Task cancelled", zap.String("task_id", id))
	r.notify(ctx, notify.EventComplete, t)
	return nil
}

// IsCancelled reports whether the task was cancelled
func (r *Registry) IsCancelled(ctx context.Context, id string) (bool, error) {
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Status == domain.StatusCancelled, nil
}

// AttachResult sets the result and error file references. Empty values
// leave the current reference untouched.
func (r *Registry) AttachResult(ctx context.Context, id, resultRef, errorRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if resultRef != "" {
		t.ResultFileRef = resultRef
	}
	if errorRef != "" {
		t.ErrorFileRef = errorRef
	}
	t.UpdatedAt = time.Now()
	return r.store.UpdateTask(ctx, t)
}

// RecordErrors stores row-level errors up to the per-task cap and returns
// how many were kept.
func (r *Registry) RecordErrors(ctx context.Context, id string, details []domain.ErrorDetail) (int, error) {
	if len(details) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.store.CountErrorDetails(ctx, id)
	if err != nil {
		return 0, err
	}
	room := r.cfg.MaxErrorDetails - stored
	if room <= 0 {
		return 0, nil
	}
	if len(details) > room {
		details = details[:room]
	}
	for i := range details {
		details[i].TaskID = id
	}
	if err := r.store.InsertErrorDetails(ctx, details); err != nil {
		return 0, fmt.Errorf("failed to record errors for task %s: %w", id, err)
	}
	return len(details), nil
}

// Errors returns up to limit stored row errors ordered by row number
func (r *Registry) Errors(ctx context.Context, id string, limit int) ([]domain.ErrorDetail, error) {
	return r.store.ListErrorDetails(ctx, id, limit)
}

// mutate loads, changes, and saves one task under the registry lock.
// fn returns false to leave the task unchanged.
func (r *Registry) mutate(ctx context.Context, id string, fn func(t *domain.Task, now time.Time) (bool, error)) (*domain.Task, Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, OutcomeApplied, err
	}
	if t.Status.IsTerminal() {
		r.logger.Debug("Ignoring update for finished task",
			zap.String("task_id", id),
			zap.String("status", string(t.Status)))
		return t, OutcomeIgnoredTerminal, nil
	}

	now := time.Now()
	changed, err := fn(t, now)
	if err != nil {
		return t, OutcomeApplied, err
	}
	if !changed {
		return t, OutcomeIgnoredStale, nil
	}

	t.UpdatedAt = now
	if err := r.store.UpdateTask(ctx, t); err != nil {
		return t, OutcomeApplied, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return t, OutcomeApplied, nil
}

func (r *Registry) notify(ctx context.Context, eventType notify.EventType, t *domain.Task) {
	if err := r.notifier.Notify(ctx, t.OwnerID, notify.EventFor(eventType, t)); err != nil {
		r.logger.Warn("Failed to notify task owner",
			zap.String("task_id", t.ID),
			zap.String("owner_id", t.OwnerID),
			zap.Error(err))
	}
}

func finish(t *domain.Task, now time.Time) {
	t.EndTime = &now
	start := t.CreatedAt
	if t.StartTime != nil {
		start = *t.StartTime
	}
	t.DurationMs = now.Sub(start).Milliseconds()
	if t.Status == domain.StatusCompleted {
		t.ProgressPercent = 100
	}
}

func percent(processed, total int64) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	p := int(processed * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

// clampStatistics trims skip, then failure, then success until their sum
// fits in total. A zero total means unknown and leaves them as is.
func clampStatistics(s Statistics, total int64) Statistics {
	if s.Success < 0 {
		s.Success = 0
	}
	if s.Failure < 0 {
		s.Failure = 0
	}
	if s.Skip < 0 {
		s.Skip = 0
	}
	if total <= 0 {
		return s
	}
	over := s.Success + s.Failure + s.Skip - total
	for _, c := range []*int64{&s.Skip, &s.Failure, &s.Success} {
		if over <= 0 {
			break
		}
		cut := *c
		if cut > over {
			cut = over
		}
		*c -= cut
		over -= cut
	}
	return s
}
