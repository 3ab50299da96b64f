package creditgate

import (
	"sync"
	"time"
)

// HealthState describes the health of an invoker target.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultFailureWindow    = 5 * time.Minute
	defaultUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker is a circuit breaker over invoker targets. While a target
// is unhealthy the Gate refuses requests before charging for them.
type HealthTracker struct {
	mu        sync.Mutex
	targets   map[string]*targetHealth
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

type targetHealth struct {
	state       HealthState
	failures    []time.Time // sliding window
	unhealthyAt time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithFailureThreshold sets how many failures inside the window open the
// breaker (default 3).
func WithFailureThreshold(n int) HealthOption {
	return func(h *HealthTracker) { h.threshold = n }
}

// WithFailureWindow sets the sliding window for counting failures
// (default 5m).
func WithFailureWindow(d time.Duration) HealthOption {
	return func(h *HealthTracker) { h.window = d }
}

// WithUnhealthyPeriod sets how long the breaker stays open before going
// half-open (default 30s).
func WithUnhealthyPeriod(d time.Duration) HealthOption {
	return func(h *HealthTracker) { h.cooldown = d }
}

func withHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthTracker) { h.now = now }
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		targets:   make(map[string]*targetHealth),
		threshold: defaultFailureThreshold,
		window:    defaultFailureWindow,
		cooldown:  defaultUnhealthyPeriod,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetHealth returns the current health state for a target.
func (h *HealthTracker) GetHealth(target string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	th, ok := h.targets[target]
	if !ok {
		return HealthHealthy
	}

	if th.state == HealthUnhealthy && h.now().Sub(th.unhealthyAt) >= h.cooldown {
		th.state = HealthHalfOpen
	}
	return th.state
}

// RecordSuccess closes the breaker for a target.
func (h *HealthTracker) RecordSuccess(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	th := h.getOrCreate(target)
	th.state = HealthHealthy
	th.failures = th.failures[:0]
}

// RecordFailure counts a failure and opens the breaker at the threshold.
// A failure while half-open reopens it immediately.
func (h *HealthTracker) RecordFailure(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	th := h.getOrCreate(target)
	now := h.now()

	switch th.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		th.state = HealthUnhealthy
		th.unhealthyAt = now
		return
	}

	cutoff := now.Add(-h.window)
	valid := th.failures[:0]
	for _, t := range th.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	th.failures = append(valid, now)

	if len(th.failures) >= h.threshold {
		th.state = HealthUnhealthy
		th.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(target string) *targetHealth {
	th, ok := h.targets[target]
	if !ok {
		th = &targetHealth{state: HealthHealthy}
		h.targets[target] = th
	}
	return th
}
