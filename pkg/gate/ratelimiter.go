package gate

import "time"

// rateLimiter enforces a 5-results-per-second ceiling over a sliding
// 200ms window: of the events that arrive within a window, only the one
// with the highest stability score survives, and it is released only once
// the window closes.
//
// spec.md's REDESIGN FLAG (b) names a bug in the system this was distilled
// from: the Python reference implementation's should_process() cleared its
// window buffer before computing the dropped-count, so dropped was always
// reported as zero and the caller's should_process() always returned false
// (verified directly against original_source's rate_limiter.py). This
// implementation always flushes the current window's buffer, in full,
// before a new window opens, and reports the true dropped count.
type rateLimiter struct {
	window  time.Duration
	started bool
	start   time.Time
	pending []Event
}

func newRateLimiter(window time.Duration) *rateLimiter {
	return &rateLimiter{window: window}
}

// Feed admits e into the current window, opening a new one if the prior
// window has elapsed. Returns the event flushed from the window that just
// closed (nil if none closed) and how many events were dropped from it.
func (rl *rateLimiter) Feed(e Event, now time.Time) (admitted *Event, dropped int) {
	if !rl.started {
		rl.started = true
		rl.start = now
		rl.pending = append(rl.pending, e)
		return nil, 0
	}

	if now.Sub(rl.start) >= rl.window {
		admitted, dropped = rl.flush()
		rl.start = now
		rl.pending = append(rl.pending, e)
		return admitted, dropped
	}

	rl.pending = append(rl.pending, e)
	return nil, 0
}

// CheckTimeout flushes the current window if it has elapsed with no new
// event arriving to trigger Feed, so a stalled partial can still surface
// on the next scheduled tick rather than waiting indefinitely for upstream
// traffic. ok reports whether a flush happened.
func (rl *rateLimiter) CheckTimeout(now time.Time) (admitted *Event, dropped int, ok bool) {
	if !rl.started || now.Sub(rl.start) < rl.window {
		return nil, 0, false
	}
	admitted, dropped = rl.flush()
	rl.start = now
	return admitted, dropped, true
}

// Flush forces the current window closed unconditionally, used when a
// session is torn down and any pending partial must not be lost silently.
func (rl *rateLimiter) Flush() (admitted *Event, dropped int) {
	return rl.flush()
}

// flush picks the best-scored pending event (ties broken by latest arrival)
// and reports how many others were dropped, then clears the buffer in full
// so the next window starts empty.
func (rl *rateLimiter) flush() (*Event, int) {
	if len(rl.pending) == 0 {
		return nil, 0
	}

	best := rl.pending[0]
	for _, e := range rl.pending[1:] {
		if betterEvent(e, best) {
			best = e
		}
	}
	dropped := len(rl.pending) - 1
	rl.pending = rl.pending[:0]
	return &best, dropped
}

func betterEvent(candidate, current Event) bool {
	cScore, cHas := scoreOf(candidate)
	curScore, curHas := scoreOf(current)
	switch {
	case cHas && !curHas:
		return true
	case !cHas && curHas:
		return false
	case cHas && curHas && cScore != curScore:
		return cScore > curScore
	default:
		return candidate.ArrivalTimestamp.After(current.ArrivalTimestamp)
	}
}

func scoreOf(e Event) (float64, bool) {
	if e.StabilityScore == nil {
		return 0, false
	}
	return *e.StabilityScore, true
}
