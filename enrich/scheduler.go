package enrich

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CamiloMaria/catalog-enrichment/errors"
)

// Summary is the final accounting of one enrichment run.
type Summary struct {
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Failed    []FailedRecord `json:"failed,omitempty"`
}

// Scheduler drives one enrichment run to completion or to a pause/abort
// boundary: it pages through the record source (prioritized categories
// first), fans each page out through a bounded worker group, and persists
// each page's successes in a single bulk write before the next page is
// dispatched.
type Scheduler struct {
	source   RecordSource
	client   Client
	sink     ResultSink
	rate     *AdaptiveController
	retrier  *Retrier
	inflight *InflightCache
	state    *JobState
	cfg      Config
	logger   *zap.SugaredLogger

	timeNow func() time.Time                                  // injectable for testing
	sleep   func(ctx context.Context, d time.Duration) error // injectable for testing
}

func newScheduler(source RecordSource, client Client, sink ResultSink, rate *AdaptiveController, inflight *InflightCache, state *JobState, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		source:   source,
		client:   client,
		sink:     sink,
		rate:     rate,
		retrier:  NewRetrier(logger),
		inflight: inflight,
		state:    state,
		cfg:      cfg,
		logger:   logger,
		timeNow:  time.Now,
		sleep:    sleepCtx,
	}
}

// Run processes the whole working set. Per-record failures never abort the
// run; only a fatal error (extended pause, context cancellation, source
// failure) returns early.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Total: s.state.Total()}

	for _, phase := range s.phases() {
		if err := s.runPhase(ctx, phase, &summary); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// phases returns the page filters in dispatch order: prioritized categories
// in full first, then the remainder.
func (s *Scheduler) phases() []Filter {
	if len(s.cfg.PrioritizedCategories) == 0 {
		return []Filter{{MissingOnly: true}}
	}
	return []Filter{
		{MissingOnly: true, IncludeCategories: s.cfg.PrioritizedCategories},
		{MissingOnly: true, ExcludeCategories: s.cfg.PrioritizedCategories},
	}
}

func (s *Scheduler) runPhase(ctx context.Context, f Filter, summary *Summary) error {
	// Successes drop out of the missing-keywords working set once written,
	// so under stable ordering the next unprocessed record sits right after
	// the failures that still match the filter. The offset therefore
	// advances by the number of failures accumulated in this phase.
	offset := 0

	for {
		if err := s.waitWhilePaused(ctx); err != nil {
			return err
		}

		page, err := s.source.Page(ctx, f, offset, s.cfg.BatchSize)
		if err != nil {
			return errors.Wrap(err, "failed to fetch record page")
		}
		if len(page) == 0 {
			return nil
		}

		succeeded, failed := s.processPage(ctx, page)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		written, writeFailures := s.persist(ctx, succeeded)
		failed = append(failed, writeFailures...)

		summary.Processed += len(page)
		summary.Succeeded += written
		summary.Failed = append(summary.Failed, failed...)
		offset += len(failed)

		s.state.recordPage(len(page), written, failed, page[len(page)-1].Key)

		s.logger.Infow("Enrichment page complete",
			"run_id", s.state.RunID(),
			"page_size", len(page),
			"written", written,
			"failed", len(failed),
			"processed", summary.Processed,
			"total", summary.Total)

		// Short breather between pages so bulk writes don't saturate the
		// store; distinct from the per-call adaptive delay.
		if s.cfg.InterPageDelay > 0 {
			if err := s.sleep(ctx, s.cfg.InterPageDelay); err != nil {
				return err
			}
		}
	}
}

// processPage splits a page into category sub-groups (co-locating similar
// records keeps the LLM's outputs consistent and cache-friendly) and runs
// each group through a worker pool bounded by the configured concurrency.
func (s *Scheduler) processPage(ctx context.Context, page []Record) ([]Result, []FailedRecord) {
	var (
		mu        sync.Mutex
		succeeded []Result
		failed    []FailedRecord
	)

	for _, group := range groupByCategory(page) {
		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)

		for _, rec := range group {
			g.Go(func() error {
				res, err := s.processRecord(ctx, rec)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed = append(failed, FailedRecord{Key: rec.Key, Reason: err.Error()})
				} else {
					succeeded = append(succeeded, res)
				}
				return nil
			})
		}

		g.Wait()
	}

	return succeeded, failed
}

// processRecord is the per-record pipeline: in-flight dedup wrapping the
// retrier wrapping one rate-gated, latency-measured client call.
func (s *Scheduler) processRecord(ctx context.Context, rec Record) (Result, error) {
	return s.inflight.Do(ctx, rec.Key, func() (Result, error) {
		return s.retrier.Run(ctx, rec.Key, func(ctx context.Context) (Result, error) {
			if err := s.rate.Wait(ctx); err != nil {
				return Result{}, err
			}
			start := s.timeNow()
			res, err := s.client.Enrich(ctx, rec)
			s.rate.Observe(s.timeNow().Sub(start), err)
			return res, err
		})
	})
}

// persist bulk-writes a page's successes and reclassifies any write
// failure as a per-record failure. Persistence failures are not retried
// within the same run.
func (s *Scheduler) persist(ctx context.Context, succeeded []Result) (written int, failures []FailedRecord) {
	if len(succeeded) == 0 {
		return 0, nil
	}

	outcomes, err := s.sink.BulkWrite(ctx, succeeded)
	if err != nil {
		wrapped := errors.Wrap(err, "bulk write failed")
		s.logger.Errorw("Bulk write failed for page",
			"run_id", s.state.RunID(),
			"records", len(succeeded),
			"error", err)
		for _, r := range succeeded {
			failures = append(failures, FailedRecord{Key: r.Key, Reason: wrapped.Error()})
		}
		return 0, failures
	}

	for _, o := range outcomes {
		if o.Err != nil {
			failures = append(failures, FailedRecord{Key: o.Key, Reason: o.Err.Error()})
		} else {
			written++
		}
	}
	return written, failures
}

// waitWhilePaused blocks while the operator has a pause in effect, polling
// on an interval. A pause held beyond the configured ceiling aborts the
// run instead of retaining its resources indefinitely.
func (s *Scheduler) waitWhilePaused(ctx context.Context) error {
	if !s.state.PauseRequested() {
		return nil
	}

	pausedAt := s.timeNow()
	s.logger.Infow("Enrichment run paused; holding dispatch", "run_id", s.state.RunID())

	for s.state.PauseRequested() {
		if s.timeNow().Sub(pausedAt) >= s.cfg.MaxPause {
			return errors.Wrapf(ErrExtendedPause, "paused for more than %s", s.cfg.MaxPause)
		}
		if err := s.sleep(ctx, s.cfg.PausePollInterval); err != nil {
			return err
		}
	}

	s.logger.Infow("Enrichment run resumed", "run_id", s.state.RunID())
	return nil
}

// groupByCategory splits a page into per-category groups, preserving the
// order in which categories first appear.
func groupByCategory(page []Record) [][]Record {
	index := make(map[string]int)
	var groups [][]Record

	for _, rec := range page {
		i, ok := index[rec.Category]
		if !ok {
			i = len(groups)
			index[rec.Category] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}

	return groups
}
