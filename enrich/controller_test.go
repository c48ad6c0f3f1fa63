package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CamiloMaria/catalog-enrichment/errors"
)

func fastConfig() Config {
	return Config{
		BatchSize:         10,
		Concurrency:       5,
		InterPageDelay:    time.Millisecond,
		PausePollInterval: 5 * time.Millisecond,
		MaxPause:          time.Second,
	}
}

// newTestEngine wires a controller whose schedulers skip the adaptive and
// retry sleeps, so runs finish in test time.
func newTestEngine(ctx context.Context, store *fakeStore, client Client, cfg Config) *Controller {
	c := NewController(ctx, store, client, store, cfg, nil)
	c.tune = func(s *Scheduler) {
		instant := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
		s.retrier.sleep = instant
		s.rate.sleep = instant
	}
	return c
}

func TestControllerStatusBeforeAnyRun(t *testing.T) {
	store := newFakeStore(nil)
	c := newTestEngine(context.Background(), store, newFakeClient(), fastConfig())

	st := c.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.TotalRecords)
	assert.Empty(t, st.RunID)
}

func TestControllerRunToCompletion(t *testing.T) {
	store := newFakeStore(makeRecords(25, "toys"))
	client := newFakeClient()
	c := newTestEngine(context.Background(), store, client, fastConfig())

	runID, err := c.Start(context.Background(), Options{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	c.Wait()

	st := c.Status()
	assert.False(t, st.Running)
	assert.Equal(t, runID, st.RunID)
	assert.Equal(t, 25, st.TotalRecords)
	assert.Equal(t, 25, st.ProcessedRecords)
	assert.Equal(t, 25, st.SucceededCount)
	assert.Equal(t, 0, st.FailedCount)
	assert.InDelta(t, 100.0, st.PercentComplete, 0.01)
	assert.NotNil(t, st.EndedAt)
	assert.Equal(t, 0, st.PendingCalls)

	summary := c.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, 25, summary.Succeeded)
}

func TestControllerRejectsConcurrentStart(t *testing.T) {
	store := newFakeStore(makeRecords(10, "toys"))
	client := newFakeClient()
	client.delay = 20 * time.Millisecond
	c := newTestEngine(context.Background(), store, client, fastConfig())

	_, err := c.Start(context.Background(), Options{})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobRunning))
	assert.True(t, errors.IsConflictError(err))

	c.Wait()

	// A finished run frees the slot
	_, err = c.Start(context.Background(), Options{})
	assert.NoError(t, err)
	c.Wait()
}

func TestControllerEmptyWorkingSet(t *testing.T) {
	store := newFakeStore(nil)
	c := newTestEngine(context.Background(), store, newFakeClient(), fastConfig())

	runID, err := c.Start(context.Background(), Options{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	st := c.Status()
	assert.False(t, st.Running, "empty working set completes immediately")
	assert.Equal(t, 0, st.TotalRecords)
	assert.NotNil(t, st.EndedAt)
	require.NotNil(t, c.Summary())
}

func TestControllerPauseResumeConflicts(t *testing.T) {
	store := newFakeStore(nil)
	c := newTestEngine(context.Background(), store, newFakeClient(), fastConfig())

	// No job at all
	err := c.Pause()
	assert.True(t, errors.Is(err, ErrNoActiveJob))
	err = c.Resume()
	assert.True(t, errors.Is(err, ErrNoActiveJob))
}

func TestControllerPauseResumeMidRun(t *testing.T) {
	store := newFakeStore(makeRecords(20, "toys"))
	client := newFakeClient()
	client.delay = 5 * time.Millisecond
	c := newTestEngine(context.Background(), store, client, fastConfig())

	_, err := c.Start(context.Background(), Options{BatchSize: 5})
	require.NoError(t, err)

	require.NoError(t, c.Pause())
	st := c.Status()
	assert.True(t, st.Paused)

	// Resuming while not paused is a conflict; while paused it is not
	require.NoError(t, c.Resume())
	err = c.Resume()
	assert.True(t, errors.Is(err, ErrNotPaused))

	c.Wait()

	st = c.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 20, st.SucceededCount)
}

func TestControllerOptionsOverrideDefaults(t *testing.T) {
	store := newFakeStore(makeRecords(6, "toys"))
	c := newTestEngine(context.Background(), store, newFakeClient(), fastConfig())

	_, err := c.Start(context.Background(), Options{BatchSize: 2, Concurrency: 1})
	require.NoError(t, err)
	c.Wait()

	st := c.Status()
	assert.Equal(t, 2, st.BatchSize)
	assert.Equal(t, 1, st.Concurrency)
	assert.Equal(t, []int{2, 2, 2}, store.bulkSizes)
}

func TestControllerFailedRunDistinguishable(t *testing.T) {
	store := newFakeStore(makeRecords(10, "toys"))
	client := newFakeClient()
	client.delay = 10 * time.Millisecond

	cfg := fastConfig()
	cfg.MaxPause = 20 * time.Millisecond
	c := newTestEngine(context.Background(), store, client, cfg)

	_, err := c.Start(context.Background(), Options{BatchSize: 2})
	require.NoError(t, err)

	// Hold the pause past the ceiling so the run aborts
	require.NoError(t, c.Pause())
	c.Wait()

	st := c.Status()
	assert.False(t, st.Running)
	assert.NotNil(t, st.EndedAt)
	assert.Less(t, st.ProcessedRecords, st.TotalRecords, "aborted run ends short of the total")
	assert.Contains(t, st.AbortReason, "paused")
}

func TestControllerShutdownCancelsRun(t *testing.T) {
	store := newFakeStore(makeRecords(50, "toys"))
	client := newFakeClient()
	client.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestEngine(ctx, store, client, fastConfig())

	_, err := c.Start(context.Background(), Options{BatchSize: 5, Concurrency: 1})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cancel()
	c.Wait()

	st := c.Status()
	assert.False(t, st.Running)
	assert.NotNil(t, st.EndedAt)
}
