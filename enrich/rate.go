package enrich

import (
	"context"
	"sync"
	"time"
)

const (
	// latencyWindowSize bounds the sliding window of observed call latencies
	latencyWindowSize = 20

	// minDelay is the floor for the adaptive inter-call delay
	minDelay = 500 * time.Millisecond
	// maxDelay caps the adaptive delay under sustained error bursts
	maxDelay = 30 * time.Second
	// healthyCeiling caps the latency-derived delay while error-free
	healthyCeiling = 5 * time.Second
)

// RateStats is a point-in-time snapshot of the adaptive controller,
// surfaced through the job status endpoint.
type RateStats struct {
	AverageLatency    time.Duration `json:"average_latency_ms"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	CurrentDelay      time.Duration `json:"current_delay_ms"`
	WindowSize        int           `json:"window_size"`
	LastErrorAt       *time.Time    `json:"last_error_at,omitempty"`
}

// AdaptiveController computes the delay inserted before each external call
// from the observed latency/error history of previous calls. The delay
// doubles on every failed attempt (capped at maxDelay) and relaxes by x0.8
// after successes (floored at minDelay). While error-free, the delay is
// additionally bounded by half the average observed latency, clamped to
// [minDelay, healthyCeiling], so a fast healthy upstream is not throttled
// by stale backoff.
type AdaptiveController struct {
	mu                sync.Mutex
	latencies         []time.Duration // sliding window, oldest first
	avgLatency        time.Duration
	consecutiveErrors int
	lastErrorAt       time.Time
	delay             time.Duration

	timeNow func() time.Time                               // injectable for testing
	sleep   func(ctx context.Context, d time.Duration) error // injectable for testing
}

// NewAdaptiveController creates a controller starting at the minimum delay.
func NewAdaptiveController() *AdaptiveController {
	return &AdaptiveController{
		latencies: make([]time.Duration, 0, latencyWindowSize),
		delay:     minDelay,
		timeNow:   time.Now,
		sleep:     sleepCtx,
	}
}

// Delay returns the wait to insert before the next call.
func (c *AdaptiveController) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consecutiveErrors > 0 {
		return c.delay
	}

	// Healthy path: track the upstream's actual speed instead of the
	// backoff state, but never go below the floor.
	healthy := c.avgLatency / 2
	if healthy < minDelay {
		healthy = minDelay
	}
	if healthy > healthyCeiling {
		healthy = healthyCeiling
	}
	if healthy < c.delay {
		return healthy
	}
	return c.delay
}

// Wait sleeps for the current delay, returning early if ctx is cancelled.
func (c *AdaptiveController) Wait(ctx context.Context) error {
	return c.sleep(ctx, c.Delay())
}

// Observe records the latency and outcome of one completed call attempt.
func (c *AdaptiveController) Observe(latency time.Duration, callErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies = append(c.latencies, latency)
	if len(c.latencies) > latencyWindowSize {
		c.latencies = c.latencies[1:]
	}
	var sum time.Duration
	for _, l := range c.latencies {
		sum += l
	}
	c.avgLatency = sum / time.Duration(len(c.latencies))

	if callErr != nil {
		c.consecutiveErrors++
		c.lastErrorAt = c.timeNow()
		c.delay *= 2
		if c.delay > maxDelay {
			c.delay = maxDelay
		}
		return
	}

	c.consecutiveErrors = 0
	if c.delay > minDelay {
		c.delay = c.delay * 4 / 5
		if c.delay < minDelay {
			c.delay = minDelay
		}
	}
}

// Stats returns a snapshot of the controller state.
func (c *AdaptiveController) Stats() RateStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := RateStats{
		AverageLatency:    c.avgLatency,
		ConsecutiveErrors: c.consecutiveErrors,
		CurrentDelay:      c.delay,
		WindowSize:        len(c.latencies),
	}
	if !c.lastErrorAt.IsZero() {
		t := c.lastErrorAt
		stats.LastErrorAt = &t
	}
	return stats
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
