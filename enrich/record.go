// Package enrich implements the bulk SEO-keyword enrichment engine: a
// pausable background run that pages through products missing keywords,
// requests keywords from a rate-limited external service, and persists
// results in per-page bulk writes.
package enrich

import (
	"context"
)

// Record is a catalog entry pending enrichment.
type Record struct {
	Key      string // stable identifier (SKU)
	Category string // used for prioritization and batch grouping
	Title    string // feeds the keyword generation prompt
}

// Result is a successful enrichment outcome for one record.
type Result struct {
	Key      string
	Keywords []string
}

// WriteOutcome reports the persistence result for one key of a bulk write.
// Err is nil when the key was written.
type WriteOutcome struct {
	Key string
	Err error
}

// Filter selects the working set served by a RecordSource.
type Filter struct {
	MissingOnly       bool     // only records without keywords
	IncludeCategories []string // restrict to these categories (empty = all)
	ExcludeCategories []string // drop these categories
}

// RecordSource supplies candidate records in stable-ordered pages.
type RecordSource interface {
	Count(ctx context.Context, f Filter) (int, error)
	Page(ctx context.Context, f Filter, offset, limit int) ([]Record, error)
}

// Client produces an enrichment result for a single record. Latency is
// unbounded and must be measured by the caller; failures are classified
// by IsPermanent.
type Client interface {
	Enrich(ctx context.Context, rec Record) (Result, error)
}

// ResultSink persists successful results in bulk. A returned error means
// the whole call failed; otherwise per-key outcomes report partial
// failures. All-or-nothing semantics are not required.
type ResultSink interface {
	BulkWrite(ctx context.Context, results []Result) ([]WriteOutcome, error)
}
