package enrich

import (
	"github.com/CamiloMaria/catalog-enrichment/errors"
)

// Conflict errors returned by the controller's lifecycle operations.
var (
	// ErrJobRunning is returned by Start when a job is already in progress
	ErrJobRunning = errors.Wrap(errors.ErrConflict, "an enrichment job is already running")

	// ErrNoActiveJob is returned by Pause/Resume when nothing is running
	ErrNoActiveJob = errors.Wrap(errors.ErrConflict, "no enrichment job is running")

	// ErrNotPaused is returned by Resume when no pause was requested
	ErrNotPaused = errors.Wrap(errors.ErrConflict, "enrichment job is not paused")
)

// ErrRecordNotFound marks a permanent per-record failure: the upstream
// service does not know the record, so retrying cannot help.
var ErrRecordNotFound = errors.Wrap(errors.ErrNotFound, "record not found upstream")

// ErrExtendedPause aborts a run that stayed paused beyond the configured
// ceiling instead of holding resources forever.
var ErrExtendedPause = errors.New("job paused longer than the allowed maximum")

// IsPermanent reports whether an enrichment failure must not be retried.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrRecordNotFound)
}

// FailedRecord attributes one per-record failure to its key.
type FailedRecord struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}
