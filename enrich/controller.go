package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CamiloMaria/catalog-enrichment/errors"
)

// Config holds the engine's tunables. Zero values fall back to defaults.
type Config struct {
	BatchSize             int
	Concurrency           int
	PrioritizedCategories []string
	InterPageDelay        time.Duration
	PausePollInterval     time.Duration
	MaxPause              time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.InterPageDelay < 0 {
		c.InterPageDelay = 0
	}
	if c.PausePollInterval <= 0 {
		c.PausePollInterval = 5 * time.Second
	}
	if c.MaxPause <= 0 {
		c.MaxPause = time.Hour
	}
	return c
}

// Options lets a start request override the configured defaults.
type Options struct {
	BatchSize             int      `json:"batch_size,omitempty"`
	Concurrency           int      `json:"concurrency,omitempty"`
	PrioritizedCategories []string `json:"prioritized_categories,omitempty"`
}

// JobState is the single source of truth for one run's progress. It is
// created on Start, written by the scheduler (page counters) and the
// controller (pause flag, lifecycle), and replaced only by the next Start.
// It is in-memory only: an in-progress run does not survive a restart.
type JobState struct {
	mu sync.Mutex

	runID            string
	running          bool
	startedAt        time.Time
	endedAt          *time.Time
	total            int
	processed        int
	succeeded        int
	failed           int
	lastProcessedKey string
	batchSize        int
	concurrency      int
	pauseRequested   bool
	abortReason      string
}

func newJobState(runID string, cfg Config, total int) *JobState {
	return &JobState{
		runID:       runID,
		running:     true,
		startedAt:   time.Now(),
		total:       total,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
	}
}

// Running reports whether the run is still in progress.
func (s *JobState) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunID returns the run identifier.
func (s *JobState) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Total returns the working-set size computed at start.
func (s *JobState) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PauseRequested reports whether an operator pause is in effect.
func (s *JobState) PauseRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseRequested
}

func (s *JobState) setPauseRequested(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseRequested = v
}

// recordPage updates the progress counters after one page's bulk write.
func (s *JobState) recordPage(processed, succeeded int, failed []FailedRecord, lastKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed += processed
	s.succeeded += succeeded
	s.failed += len(failed)
	s.lastProcessedKey = lastKey
}

// finish closes the run. A non-nil err marks it aborted.
func (s *JobState) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.running = false
	s.endedAt = &now
	s.pauseRequested = false
	if err != nil {
		s.abortReason = err.Error()
	}
}

// Status is a point-in-time snapshot of the current (or most recent) run.
type Status struct {
	Running          bool       `json:"running"`
	Paused           bool       `json:"paused"`
	RunID            string     `json:"run_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	TotalRecords     int        `json:"total_records"`
	ProcessedRecords int        `json:"processed_records"`
	SucceededCount   int        `json:"succeeded_count"`
	FailedCount      int        `json:"failed_count"`
	PercentComplete  float64    `json:"percent_complete"`
	// EstimatedRemaining extrapolates elapsed time over the records left;
	// zero until the first page lands.
	EstimatedRemaining time.Duration `json:"estimated_remaining_ms"`
	LastProcessedKey   string        `json:"last_processed_key,omitempty"`
	BatchSize          int           `json:"batch_size"`
	Concurrency        int           `json:"concurrency"`
	PendingCalls       int           `json:"pending_calls"`
	AbortReason        string        `json:"abort_reason,omitempty"`
	Rate               RateStats     `json:"rate"`
}

// Controller exposes start/pause/resume/status over a single process-wide
// enrichment job and enforces one job at a time.
type Controller struct {
	mu      sync.Mutex
	baseCtx context.Context
	source  RecordSource
	client  Client
	sink    ResultSink
	cfg     Config
	logger  *zap.SugaredLogger

	state    *JobState
	rate     *AdaptiveController
	inflight *InflightCache
	summary  *Summary
	done     chan struct{}

	tune func(*Scheduler) // test hook, applied to each run's scheduler
}

// NewController creates a controller. ctx is the process root; cancelling
// it aborts any in-flight run during shutdown.
func NewController(ctx context.Context, source RecordSource, client Client, sink ResultSink, cfg Config, logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Controller{
		baseCtx: ctx,
		source:  source,
		client:  client,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("enrich"),
	}
}

// Start begins a new run and returns its ID immediately; the run itself
// proceeds on a background goroutine. Returns ErrJobRunning while a run is
// in progress.
func (c *Controller) Start(ctx context.Context, opts Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != nil && c.state.Running() {
		return "", ErrJobRunning
	}

	runCfg := c.runConfig(opts)

	total, err := c.source.Count(ctx, Filter{MissingOnly: true})
	if err != nil {
		return "", errors.Wrap(err, "failed to count candidate records")
	}

	runID := uuid.NewString()
	state := newJobState(runID, runCfg, total)

	// Fresh per-run coordination state so one run's backoff or pending
	// calls never leak into the next.
	c.state = state
	c.rate = NewAdaptiveController()
	c.inflight = NewInflightCache()
	c.summary = nil

	if total == 0 {
		state.finish(nil)
		c.summary = &Summary{}
		c.logger.Infow("No records need enrichment; run complete", "run_id", runID)
		return runID, nil
	}

	sched := newScheduler(c.source, c.client, c.sink, c.rate, c.inflight, state, runCfg, c.logger)
	if c.tune != nil {
		c.tune(sched)
	}

	done := make(chan struct{})
	c.done = done

	c.logger.Infow("Enrichment run started",
		"run_id", runID,
		"total_records", total,
		"batch_size", runCfg.BatchSize,
		"concurrency", runCfg.Concurrency,
		"prioritized_categories", runCfg.PrioritizedCategories)

	go func() {
		defer close(done)

		summary, runErr := sched.Run(c.baseCtx)
		state.finish(runErr)

		c.mu.Lock()
		c.summary = &summary
		c.mu.Unlock()

		if runErr != nil {
			c.logger.Errorw("Enrichment run aborted",
				"run_id", runID,
				"processed", summary.Processed,
				"succeeded", summary.Succeeded,
				"failed", len(summary.Failed),
				"error", runErr)
			return
		}
		c.logger.Infow("Enrichment run complete",
			"run_id", runID,
			"processed", summary.Processed,
			"succeeded", summary.Succeeded,
			"failed", len(summary.Failed))
	}()

	return runID, nil
}

// runConfig applies per-start overrides on top of the configured defaults.
func (c *Controller) runConfig(opts Options) Config {
	cfg := c.cfg
	if opts.BatchSize > 0 {
		cfg.BatchSize = opts.BatchSize
	}
	if opts.Concurrency > 0 {
		cfg.Concurrency = opts.Concurrency
	}
	if opts.PrioritizedCategories != nil {
		cfg.PrioritizedCategories = opts.PrioritizedCategories
	}
	return cfg
}

// Pause stops the scheduler from dispatching new pages. In-flight calls
// are not cancelled. Returns ErrNoActiveJob when nothing is running.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil || !c.state.Running() {
		return ErrNoActiveJob
	}
	c.state.setPauseRequested(true)
	c.logger.Infow("Enrichment pause requested", "run_id", c.state.RunID())
	return nil
}

// Resume clears a requested pause. Returns ErrNoActiveJob when nothing is
// running and ErrNotPaused when no pause is in effect.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil || !c.state.Running() {
		return ErrNoActiveJob
	}
	if !c.state.PauseRequested() {
		return ErrNotPaused
	}
	c.state.setPauseRequested(false)
	c.logger.Infow("Enrichment resume requested", "run_id", c.state.RunID())
	return nil
}

// Status returns a snapshot of the current or most recent run. It is a
// pure read and is valid mid-run.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	rate := c.rate
	inflight := c.inflight
	c.mu.Unlock()

	if state == nil {
		return Status{}
	}

	state.mu.Lock()
	st := Status{
		Running:          state.running,
		Paused:           state.pauseRequested,
		RunID:            state.runID,
		TotalRecords:     state.total,
		ProcessedRecords: state.processed,
		SucceededCount:   state.succeeded,
		FailedCount:      state.failed,
		LastProcessedKey: state.lastProcessedKey,
		BatchSize:        state.batchSize,
		Concurrency:      state.concurrency,
		AbortReason:      state.abortReason,
	}
	startedAt := state.startedAt
	st.StartedAt = &startedAt
	st.EndedAt = state.endedAt
	if state.total > 0 {
		st.PercentComplete = float64(state.processed) / float64(state.total) * 100
	}
	if state.running && state.processed > 0 {
		elapsed := time.Since(state.startedAt)
		remaining := state.total - state.processed
		st.EstimatedRemaining = elapsed / time.Duration(state.processed) * time.Duration(remaining)
	}
	state.mu.Unlock()

	if inflight != nil {
		st.PendingCalls = inflight.Size()
	}
	if rate != nil {
		st.Rate = rate.Stats()
	}
	return st
}

// Summary returns the final accounting of the most recent run, or nil
// while a run is still in progress.
func (c *Controller) Summary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Wait blocks until the current run's goroutine exits. Used by shutdown
// and tests; returns immediately if no run was started.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}
