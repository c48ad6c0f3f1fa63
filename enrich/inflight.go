package enrich

import (
	"context"
	"sync"
)

// inflightCall is the shared handle for one outstanding enrichment call.
// done is closed exactly once, after res/err are set.
type inflightCall struct {
	done chan struct{}
	res  Result
	err  error
}

// InflightCache deduplicates concurrent enrichment requests for the same
// record key: while a call is pending, every further request for that key
// attaches to it and shares its outcome. Entries are removed exactly when
// the call settles, so the cache is empty once a run drains.
type InflightCache struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

// NewInflightCache creates an empty cache.
func NewInflightCache() *InflightCache {
	return &InflightCache{calls: make(map[string]*inflightCall)}
}

// Do returns the outcome of the single in-flight call for key, invoking fn
// only if no call is pending. Joining callers block until the owner settles
// or their own ctx is cancelled; cancellation of a joiner does not cancel
// the shared call.
func (c *InflightCache) Do(ctx context.Context, key string, fn func() (Result, error)) (Result, error) {
	c.mu.Lock()
	if call, ok := c.calls[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.res, call.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	c.calls[key] = call
	c.mu.Unlock()

	call.res, call.err = fn()

	// Remove before signalling so a caller arriving after settlement
	// starts a fresh call instead of joining a settled one.
	c.mu.Lock()
	delete(c.calls, key)
	c.mu.Unlock()
	close(call.done)

	return call.res, call.err
}

// Size returns the number of pending calls, for status reporting.
func (c *InflightCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
