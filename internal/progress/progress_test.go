package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_Counters(t *testing.T) {
	tr := NewTracker("t1")
	tr.SetTotal(10, 0)

	tr.AddSuccess(4)
	tr.AddFailed(1)
	tr.AddSkipped(1)

	s := tr.GetStatus()
	assert.Equal(t, int64(6), s.ProcessedRecords)
	assert.Equal(t, int64(4), s.SuccessRecords)
	assert.InDelta(t, 60.0, tr.GetProgressPercent(), 0.001)
}

func TestTracker_UpdateNeverMovesBackwards(t *testing.T) {
	tr := NewTracker("t1")
	tr.Update(50, 5, 2)
	tr.Update(40, 5, 2)

	s := tr.GetStatus()
	assert.Equal(t, int64(50), s.SuccessRecords)
	assert.Equal(t, int64(57), s.ProcessedRecords)

	tr.Update(90, 8, 2)
	assert.Equal(t, int64(100), tr.GetStatus().ProcessedRecords)
}

func TestTracker_SpeedAndETA(t *testing.T) {
	tr := NewTracker("t1")
	start := tr.GetStatus().StartTime
	tr.now = func() time.Time { return start.Add(10 * time.Second) }
	tr.SetTotal(200, 0)

	tr.AddSuccess(100)

	s := tr.GetStatus()
	assert.InDelta(t, 10.0, s.AverageSpeed, 0.001)
	assert.Equal(t, 10*time.Second, s.ETA)
}

func TestTracker_UnknownTotal(t *testing.T) {
	tr := NewTracker("t1")
	tr.AddSuccess(5)
	assert.Equal(t, 0.0, tr.GetProgressPercent())
	assert.Equal(t, time.Duration(0), tr.GetStatus().ETA)
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "12.0 rec/s", FormatRate(12))
	assert.Equal(t, "2.5k rec/s", FormatRate(2500))
	assert.Equal(t, "1h2m3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "estimating...", FormatDuration(0))
	assert.Equal(t, "[##########----------] 50.0%", progressBar(50, 20))
}

func TestDisplay_FinalSummary(t *testing.T) {
	tr := NewTracker("t1")
	tr.AddSuccess(3)
	tr.AddFailed(1)

	var buf bytes.Buffer
	d := NewDisplayTo(&buf, tr, "Import", time.Hour)
	d.Start()
	d.Stop()
	d.Stop()

	out := buf.String()
	assert.Contains(t, out, "Import finished")
	assert.Contains(t, out, "Processed: 4 records")
	assert.Contains(t, out, "Failed:    1")
}
