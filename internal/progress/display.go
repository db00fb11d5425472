package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display periodically renders a tracker to a terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	title    string

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewDisplay creates a new progress display writing to stdout
func NewDisplay(tracker *Tracker, title string, interval time.Duration) *Display {
	return NewDisplayTo(os.Stdout, tracker, title, interval)
}

// NewDisplayTo creates a display writing to out
func NewDisplayTo(out io.Writer, tracker *Tracker, title string, interval time.Duration) *Display {
	if interval <= 0 {
		interval = time.Second
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		title:    title,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop prints the final summary and returns once it is written
func (d *Display) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprint(d.out, strings.Join(d.generateDisplay(d.tracker.GetStatus()), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

func (d *Display) generateDisplay(status Status) []string {
	lines := []string{
		"",
		d.title,
		strings.Repeat("=", 51),
	}

	if status.TotalRecords > 0 {
		percent := d.tracker.GetProgressPercent()
		lines = append(lines,
			fmt.Sprintf("Records: %d/%d (%.1f%%)", status.ProcessedRecords, status.TotalRecords, percent),
			"    "+progressBar(percent, 40))
	} else {
		lines = append(lines, fmt.Sprintf("Records: %d", status.ProcessedRecords))
	}
	if status.TotalBytes > 0 {
		lines = append(lines, fmt.Sprintf("Data:    %s/%s", FormatBytes(status.ProcessedBytes), FormatBytes(status.TotalBytes)))
	}

	lines = append(lines,
		fmt.Sprintf("  succeeded: %d", status.SuccessRecords),
		fmt.Sprintf("  failed:    %d", status.FailedRecords),
		fmt.Sprintf("  skipped:   %d", status.SkippedRecords),
		fmt.Sprintf("Speed: %s (avg %s)", FormatRate(status.CurrentSpeed), FormatRate(status.AverageSpeed)),
		fmt.Sprintf("Elapsed: %s  Remaining: %s", FormatDuration(time.Since(status.StartTime)), FormatDuration(status.ETA)),
		"",
	)
	return lines
}

func (d *Display) generateFinalDisplay(status Status) []string {
	return []string{
		"",
		d.title + " finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Processed: %d records", status.ProcessedRecords),
		fmt.Sprintf("Succeeded: %d", status.SuccessRecords),
		fmt.Sprintf("Failed:    %d", status.FailedRecords),
		fmt.Sprintf("Skipped:   %d", status.SkippedRecords),
		fmt.Sprintf("Duration:  %s", FormatDuration(time.Since(status.StartTime))),
		fmt.Sprintf("Average:   %s", FormatRate(status.AverageSpeed)),
		"",
	}
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("[%s%s] %.1f%%", strings.Repeat("#", filled), strings.Repeat("-", width-filled), percent)
}

// IsTerminalSupported reports whether stdout is a character device
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
