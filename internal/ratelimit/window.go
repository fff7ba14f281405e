package ratelimit

import "time"

// Window admits at most WindowLimit messages in any trailing WindowSize.
type Window struct {
	limit  int
	window time.Duration
	now    func() time.Time
	events []time.Time
}

// NewWindow returns an empty sliding-window limiter.
func NewWindow(cfg Config, opts ...Option) *Window {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	return &Window{
		limit:  cfg.WindowLimit,
		window: cfg.WindowSize,
		now:    o.now,
		events: make([]time.Time, 0, cfg.WindowLimit),
	}
}

// TryConsume prunes timestamps older than the window and records now when
// the remaining count is below the limit.
func (w *Window) TryConsume() bool {
	now := w.now()
	cut := now.Add(-w.window)

	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	w.events = kept

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// PenaltyInfo always reports false; the window policy has no penalty levels.
func (w *Window) PenaltyInfo() (PenaltyInfo, bool) {
	return PenaltyInfo{}, false
}
