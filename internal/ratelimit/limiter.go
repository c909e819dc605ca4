package ratelimit

import (
	"sync"
	"time"
)

// Window is the rolling span the per-campaign dispatch count is bounded in.
const Window = time.Minute

// Limiter caps job dispatches per campaign to rpm starts per rolling minute.
// It never drops work: when a campaign is over budget, Allow reports how long
// the caller must wait for the window to reset, and the dispatcher sleeps
// instead of spinning.
//
// State is in-process. The design assumes a single active dispatcher per
// campaign, so no cross-node coordination is needed.
type Limiter struct {
	mu         sync.Mutex
	defaultRPM int
	windows    map[string]*window
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

type window struct {
	start time.Time
	count int
}

func New(defaultRPM int) *Limiter {
	if defaultRPM <= 0 {
		defaultRPM = 10
	}
	return &Limiter{
		defaultRPM: defaultRPM,
		windows:    make(map[string]*window),
		clock:      time.Now,
	}
}

// Allow reserves one dispatch slot for the campaign. When the window budget
// is exhausted it returns ok=false and the wait until the window resets.
// rpm <= 0 falls back to the engine default rather than spinning unbounded.
func (l *Limiter) Allow(campaignID string, rpm int) (ok bool, wait time.Duration) {
	if rpm <= 0 {
		rpm = l.defaultRPM
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[campaignID]
	if w == nil {
		w = &window{start: now}
		l.windows[campaignID] = w
	}
	if now.Sub(w.start) >= Window {
		w.start = now
		w.count = 0
	}
	if w.count >= rpm {
		return false, w.start.Add(Window).Sub(now)
	}
	w.count++
	return true, 0
}

// Forget drops the campaign's window state. Called when a campaign leaves the
// dispatch loop so paused/finished campaigns do not leak entries.
func (l *Limiter) Forget(campaignID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, campaignID)
}
