package session

import (
	"bytes"
	"time"
)

// DefaultDuplicateWindow is how long a run of identical packets stays
// suppressed before one is let through again.
const DefaultDuplicateWindow = time.Second

// Dedup suppresses a voxel packet identical to the previous one sent. The
// first duplicate starts a window; duplicates inside it are dropped. Once
// the window has passed the next duplicate is sent and the streak resets.
type Dedup struct {
	window          time.Duration
	last            []byte
	streak          int
	firstSuppressed time.Time
	suppressed      uint64
}

func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &Dedup{window: window}
}

// ShouldSuppress records payload as a send attempt at now and reports
// whether it must be dropped.
func (d *Dedup) ShouldSuppress(payload []byte, now time.Time) bool {
	suppress := false
	if d.last != nil && bytes.Equal(d.last, payload) {
		if d.streak == 0 {
			d.firstSuppressed = now
		}
		d.streak++
		suppress = now.Sub(d.firstSuppressed) < d.window
	} else {
		d.streak = 0
	}
	if suppress {
		d.suppressed++
		return true
	}
	d.last = append(d.last[:0], payload...)
	d.streak = 0
	return false
}

// Forget drops the remembered packet so the next one is always sent.
func (d *Dedup) Forget() {
	d.last = nil
	d.streak = 0
}

func (d *Dedup) Suppressed() uint64 { return d.suppressed }
