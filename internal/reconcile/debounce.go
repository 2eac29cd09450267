package reconcile

import "time"

// debouncer coalesces bursts of notifications into one trailing fire. Each
// touch pushes the deadline out by the window, but never past maxWait from
// the first touch of the burst. It is owned by a single goroutine.
type debouncer struct {
	timer   *time.Timer
	pending bool
	first   time.Time
	now     func() time.Time
}

func newDebouncer(now func() time.Time) *debouncer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &debouncer{timer: t, now: now}
}

// touch registers a notification and reports whether it was absorbed into
// an already pending burst.
func (d *debouncer) touch(window, maxWait time.Duration) bool {
	now := d.now()
	coalesced := d.pending
	if !d.pending {
		d.pending = true
		d.first = now
	}
	wait := window
	if deadline := d.first.Add(maxWait); now.Add(wait).After(deadline) {
		wait = deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	d.stopTimer()
	d.timer.Reset(wait)
	return coalesced
}

// C is nil while nothing is pending, which disables its select case.
func (d *debouncer) C() <-chan time.Time {
	if !d.pending {
		return nil
	}
	return d.timer.C
}

func (d *debouncer) fired() {
	d.pending = false
}

func (d *debouncer) stop() {
	d.pending = false
	d.stopTimer()
}

func (d *debouncer) stopTimer() {
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
}
