package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/groundloop/patchbay/internal/events"
)

// DailyActivity tracks invocation counts that reset at local midnight.
// It is safe for concurrent use from multiple goroutines, and all
// methods are no-ops on a nil receiver so the publisher can run
// without counters wired.
type DailyActivity struct {
	mu          sync.Mutex
	invocations int64
	failures    int64
	last        time.Time // survives the midnight reset
	resetDay    int       // day-of-year of last reset
	loc         *time.Location
}

// NewDailyActivity creates a new accumulator using the given timezone
// for midnight detection. If loc is nil, [time.Local] is used.
func NewDailyActivity(loc *time.Location) *DailyActivity {
	if loc == nil {
		loc = time.Local
	}
	return &DailyActivity{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// Record counts one settled invocation. If the local date has changed
// since the last recording, counters are reset before the new value is
// added.
func (d *DailyActivity) Record(ok bool) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.invocations++
	if !ok {
		d.failures++
	}
	d.last = time.Now().In(d.loc)
}

// Snapshot returns the accumulated totals for the current local day
// after checking for midnight rollover.
func (d *DailyActivity) Snapshot() (invocations, failures int64) {
	if d == nil {
		return 0, 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.invocations, d.failures
}

// LastInvocation returns when the most recent invocation settled, or
// the zero time if none has.
func (d *DailyActivity) LastInvocation() time.Time {
	if d == nil {
		return time.Time{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyActivity) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.invocations = 0
		d.failures = 0
		d.resetDay = today
	}
}

// Pump consumes settled invocations from the event bus until ctx is
// cancelled. Run it in a goroutine alongside the publisher.
func (d *DailyActivity) Pump(ctx context.Context, bus *events.Bus) {
	if d == nil || bus == nil {
		return
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindInvokeDone {
				continue
			}
			okVal, _ := ev.Data["ok"].(bool)
			d.Record(okVal)
		}
	}
}
