package statemachine

import (
	"time"

	"leaudio-groupd/internal/group"
)

// Watchdog bounds the duration of a group transition. Only one group is
// watched at a time; arming it again replaces the previous budget.
type Watchdog struct {
	sched   Scheduler
	timeout time.Duration
	fire    func(groupID int)

	timer   group.Stopper
	groupID int
	armed   bool
	gen     uint64
}

// NewWatchdog returns a disarmed watchdog calling fire on expiry.
func NewWatchdog(sched Scheduler, timeout time.Duration, fire func(groupID int)) *Watchdog {
	return &Watchdog{sched: sched, timeout: timeout, fire: fire}
}

// Arm starts a fresh budget for groupID.
func (w *Watchdog) Arm(groupID int) {
	w.stop()
	w.gen++
	gen := w.gen
	w.groupID = groupID
	w.armed = true
	w.timer = w.sched.AfterFunc(w.timeout, func() {
		// A timer stopped too late may still run; only the latest arm counts.
		if !w.armed || w.gen != gen {
			return
		}
		w.armed = false
		w.timer = nil
		w.fire(groupID)
	})
}

// Cancel disarms the watchdog.
func (w *Watchdog) Cancel() {
	w.stop()
	w.gen++
	w.armed = false
}

// CancelFor disarms the watchdog if it is watching groupID. A transition
// of one group never drops the budget of another.
func (w *Watchdog) CancelFor(groupID int) {
	if !w.armed || w.groupID != groupID {
		return
	}
	w.Cancel()
}

// Armed returns the watched group, if any.
func (w *Watchdog) Armed() (int, bool) {
	return w.groupID, w.armed
}

func (w *Watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
