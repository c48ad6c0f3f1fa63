package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// retryMaxAttempts is the total attempt budget per record: the first
	// call plus three retries.
	retryMaxAttempts = 4
	// retryBaseDelay scales the exponential backoff between attempts.
	retryBaseDelay = time.Second
)

// Retrier wraps a single enrichment call with bounded exponential-backoff
// retry. Permanent failures (record not found upstream) propagate
// immediately; everything else is retried with 2^attempt * baseDelay
// between attempts, and the last failure propagates after the budget is
// exhausted.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	logger      *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) error // injectable for testing
}

// NewRetrier creates a retrier with the default attempt budget.
func NewRetrier(logger *zap.SugaredLogger) *Retrier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Retrier{
		maxAttempts: retryMaxAttempts,
		baseDelay:   retryBaseDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Run invokes fn until it succeeds, fails permanently, or the attempt
// budget runs out. fn is expected to report each attempt's latency and
// outcome to the adaptive controller itself, so every attempt counts
// toward error-burst detection.
func (r *Retrier) Run(ctx context.Context, key string, fn func(context.Context) (Result, error)) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * r.baseDelay
			r.logger.Debugw("Retrying enrichment call",
				"key", key,
				"attempt", attempt+1,
				"max_attempts", r.maxAttempts,
				"backoff", backoff)
			if err := r.sleep(ctx, backoff); err != nil {
				return Result{}, err
			}
		}

		res, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Infow("Enrichment call succeeded after retries",
					"key", key,
					"attempts", attempt+1)
			}
			return res, nil
		}

		if IsPermanent(err) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		lastErr = err
	}

	return Result{}, lastErr
}
