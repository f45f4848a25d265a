// Package progress carries staged progress events from long-running
// provisioning and download pipelines to their observers.
package progress

import "time"

// Event is one progress report: a stage tag, a 0-100 percentage, and a
// human-readable detail line.
type Event struct {
	Stage   string
	Percent int
	Detail  string
}

// Func receives progress events. Implementations must be fast; slow
// consumers should buffer on their own side.
type Func func(Event)

// Discard ignores all events.
func Discard(Event) {}

// Scale maps a sub-operation's 0-100 progress into [lo, hi] of the
// caller's range, so multi-phase pipelines present one advancing bar
// instead of one reset per phase.
func Scale(fn Func, lo, hi int) Func {
	if fn == nil {
		return Discard
	}
	span := hi - lo
	return func(ev Event) {
		p := ev.Percent
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		ev.Percent = lo + p*span/100
		fn(ev)
	}
}

// Clamp returns the displayed progress for an incoming value given the
// previous one: never lower than what was already shown.
func Clamp(prev, incoming int) int {
	if incoming < prev {
		return prev
	}
	return incoming
}

// Throttle suppresses events closer together than minInterval, and
// additionally drops events whose integer percentage did not change.
// An event at 100% is always delivered so completion is never lost.
func Throttle(fn Func, minInterval time.Duration) Func {
	if fn == nil {
		return Discard
	}
	var (
		last    time.Time
		lastPct = -1
	)
	return func(ev Event) {
		if ev.Percent >= 100 {
			fn(ev)
			return
		}
		now := time.Now()
		if ev.Percent == lastPct {
			return
		}
		if !last.IsZero() && now.Sub(last) < minInterval {
			return
		}
		last = now
		lastPct = ev.Percent
		fn(ev)
	}
}
