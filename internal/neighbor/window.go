package neighbor

import (
	"time"
)

// Window tracks which probe sequence numbers arrived from one neighbor
// during the trailing window. Counting distinct sequence numbers (rather
// than a max-minus-min span) keeps the estimate correct under loss,
// reordering and 16-bit wraparound.
type Window struct {
	interval time.Duration
	length   time.Duration
	records  map[uint16]time.Time
}

func NewWindow(interval, length time.Duration) *Window {
	return &Window{
		interval: interval,
		length:   length,
		records:  make(map[uint16]time.Time),
	}
}

// Record stores the arrival of a sequence number. Re-recording a number
// still inside the window is a no-op, so duplicate broadcasts do not
// inflate the ratio. A number whose previous arrival has already aged
// out counts as new again, which matters when a small sequence modulus
// wraps faster than records expire. Returns true when the record is new.
func (w *Window) Record(seq uint16, now time.Time) bool {
	if at, ok := w.records[seq]; ok && !at.Before(now.Add(-w.length)) {
		return false
	}
	w.records[seq] = now
	return true
}

// Prune discards records older than the window length.
func (w *Window) Prune(now time.Time) {
	cutoff := now.Add(-w.length)
	for seq, at := range w.records {
		if at.Before(cutoff) {
			delete(w.records, seq)
		}
	}
}

// Count returns the number of distinct sequence numbers received during
// the trailing window.
func (w *Window) Count(now time.Time) int {
	w.Prune(now)
	return len(w.records)
}

// Expected returns how many probes one window nominally contains,
// rounded to the nearest whole probe, never less than one.
func (w *Window) Expected() int {
	if w.interval <= 0 {
		return 1
	}
	n := int((w.length + w.interval/2) / w.interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Ratio returns the reception ratio over the trailing window, clamped
// to [0, 1]. More receptions than expected (clock jitter) never yields
// a super-unity ratio.
func (w *Window) Ratio(now time.Time) float64 {
	count := w.Count(now)
	if count == 0 {
		return 0
	}
	ratio := float64(count) / float64(w.Expected())
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
