// Package progress turns raw byte-progress events from concurrent part
// uploads into a per-file percentage and transfer speed.
package progress

import (
	"sync"
	"time"
)

// Speed is sampled over windows of at least this length. Shorter windows
// react faster to changing network conditions but get too noisy.
const sampleInterval = 500 * time.Millisecond

// Tracker aggregates byte-progress events for one file. Events carry the
// latest byte count of a single upload attempt, so a restarted attempt's
// progress replaces that part's prior contribution instead of adding to it.
// The reported percent is clamped to be monotonically non-decreasing and
// only reaches 100 through an explicit Complete call. Safe for concurrent
// use by multiple part uploads.
type Tracker struct {
	mu              sync.Mutex
	totalBytes      int64
	partBytes       map[int32]int64
	percent         int
	frozen          bool
	speed           float64
	lastSampleAt    time.Time
	lastSampleBytes int64
	now             func() time.Time
}

// NewTracker creates a tracker for a file of totalBytes bytes.
func NewTracker(totalBytes int64) *Tracker {
	return &Tracker{
		totalBytes: totalBytes,
		partBytes:  map[int32]int64{},
		now:        time.Now,
	}
}

// Update records the latest byte count of the current upload attempt for
// one part. Passing 0 at the start of a retry resets that part's
// contribution without regressing the reported percent.
func (t *Tracker) Update(partNumber int32, bytesLoaded int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return
	}

	t.partBytes[partNumber] = bytesLoaded

	var loaded int64
	for _, b := range t.partBytes {
		loaded += b
	}

	if t.totalBytes > 0 {
		pct := int(loaded * 100 / t.totalBytes)
		if pct > 99 {
			pct = 99
		}
		if pct > t.percent {
			t.percent = pct
		}
	}

	t.sampleSpeed(loaded)
}

func (t *Tracker) sampleSpeed(loaded int64) {
	now := t.now()
	if t.lastSampleAt.IsZero() {
		t.lastSampleAt = now
		t.lastSampleBytes = loaded
		return
	}

	elapsed := now.Sub(t.lastSampleAt)
	if elapsed < sampleInterval {
		return
	}

	delta := loaded - t.lastSampleBytes
	if delta < 0 {
		// a retried part reset its contribution mid-window
		delta = 0
	}
	t.speed = float64(delta) / elapsed.Seconds()
	t.lastSampleAt = now
	t.lastSampleBytes = loaded
}

// Complete marks the file fully transferred: percent becomes exactly 100
// and the speed reading is cleared. Further updates are ignored.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frozen = true
	t.percent = 100
	t.speed = 0
}

// Fail freezes the tracker for a failed transfer: the speed reading is
// cleared and further updates from straggling attempts are ignored.
// Percent keeps its last reported value, which stays below 100.
func (t *Tracker) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frozen = true
	t.speed = 0
}

// Percent returns the reported progress, an integer in [0, 100]. It never
// decreases and reaches 100 only after Complete.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// Speed returns the last sampled transfer rate in bytes per second, or 0
// if no window has been sampled yet or the transfer reached a terminal
// state.
func (t *Tracker) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}
