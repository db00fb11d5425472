package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current state of a bulk run
type Status struct {
	TaskID           string
	TotalRecords     int64 // 0 while the total is unknown
	ProcessedRecords int64
	SuccessRecords   int64
	FailedRecords    int64
	SkippedRecords   int64
	TotalBytes       int64
	ProcessedBytes   int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	CurrentSpeed     float64 // records/second over the recent window
	AverageSpeed     float64 // records/second since start
	ETA              time.Duration
}

// Tracker tracks record progress of a single run
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
	now          func() time.Time
}

type speedSample struct {
	timestamp time.Time
	records   int64
}

// NewTracker creates a new progress tracker
func NewTracker(taskID string) *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			TaskID:         taskID,
			StartTime:      now,
			LastUpdateTime: now,
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		now:          time.Now,
	}
}

// SetTotal sets the expected number of records and bytes
func (t *Tracker) SetTotal(records, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalRecords = records
	t.status.TotalBytes = bytes
}

// AddSuccess records n successful records
func (t *Tracker) AddSuccess(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SuccessRecords += n
	t.advance(n)
}

// AddFailed records n failed records
func (t *Tracker) AddFailed(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedRecords += n
	t.advance(n)
}

// AddSkipped records n skipped records
func (t *Tracker) AddSkipped(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SkippedRecords += n
	t.advance(n)
}

// AddBytes records bytes read from the source file
func (t *Tracker) AddBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.ProcessedBytes += n
}

// Update replaces the counters with absolute values, as reported by a
// pipeline progress callback. Counters never move backwards.
func (t *Tracker) Update(success, failed, skipped int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.status.ProcessedRecords
	if success > t.status.SuccessRecords {
		t.status.SuccessRecords = success
	}
	if failed > t.status.FailedRecords {
		t.status.FailedRecords = failed
	}
	if skipped > t.status.SkippedRecords {
		t.status.SkippedRecords = skipped
	}
	after := t.status.SuccessRecords + t.status.FailedRecords + t.status.SkippedRecords
	t.advance(after - before)
}

// advance must be called with the lock held
func (t *Tracker) advance(n int64) {
	if n <= 0 {
		return
	}
	now := t.now()
	t.status.ProcessedRecords += n

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, records: n})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses samples from the last 5 seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recent int64
	var first *speedSample

	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recent += sample.records
		first = sample
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recent) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedRecords) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	if t.status.TotalRecords == 0 || t.status.AverageSpeed == 0 {
		t.status.ETA = 0
		return
	}

	remaining := t.status.TotalRecords - t.status.ProcessedRecords
	if remaining <= 0 {
		t.status.ETA = 0
		return
	}

	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the record progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalRecords == 0 {
		return 0
	}
	p := float64(t.status.ProcessedRecords) / float64(t.status.TotalRecords) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// FormatRate formats a records/second rate
func FormatRate(recordsPerSecond float64) string {
	switch {
	case recordsPerSecond < 1000:
		return fmt.Sprintf("%.1f rec/s", recordsPerSecond)
	case recordsPerSecond < 1000*1000:
		return fmt.Sprintf("%.1fk rec/s", recordsPerSecond/1000)
	default:
		return fmt.Sprintf("%.1fM rec/s", recordsPerSecond/(1000*1000))
	}
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	} else if bytes < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "estimating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
