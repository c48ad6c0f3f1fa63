// Package catalog persists the product catalog and serves the enrichment
// engine's working set: products whose SEO keywords are still missing.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/CamiloMaria/catalog-enrichment/enrich"
	"github.com/CamiloMaria/catalog-enrichment/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	sku          TEXT PRIMARY KEY,
	category     TEXT NOT NULL,
	title        TEXT NOT NULL,
	seo_keywords TEXT,
	updated_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
`

// Store handles persistence of products and their SEO keywords.
// It implements enrich.RecordSource and enrich.ResultSink.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the catalog database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open catalog database %s", path)
	}
	// SQLite serializes writers; a single connection avoids busy errors
	// from the per-page bulk writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ensure catalog schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// whereClause builds the WHERE clause and arguments for a working-set
// filter. Ordering of conditions is fixed so tests can match the SQL.
func whereClause(f enrich.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.MissingOnly {
		conds = append(conds, "seo_keywords IS NULL")
	}
	if len(f.IncludeCategories) > 0 {
		conds = append(conds, "category IN ("+placeholders(len(f.IncludeCategories))+")")
		for _, c := range f.IncludeCategories {
			args = append(args, c)
		}
	}
	if len(f.ExcludeCategories) > 0 {
		conds = append(conds, "category NOT IN ("+placeholders(len(f.ExcludeCategories))+")")
		for _, c := range f.ExcludeCategories {
			args = append(args, c)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Count returns the number of products matching the filter.
func (s *Store) Count(ctx context.Context, f enrich.Filter) (int, error) {
	where, args := whereClause(f)

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products"+where, args...).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count products")
	}
	return count, nil
}

// Page returns one stable-ordered page of products matching the filter.
// Ordering by SKU keeps the offset arithmetic of the scheduler valid while
// successes drop out of the working set.
func (s *Store) Page(ctx context.Context, f enrich.Filter, offset, limit int) ([]enrich.Record, error) {
	where, args := whereClause(f)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		"SELECT sku, category, title FROM products"+where+" ORDER BY sku LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query product page")
	}
	defer rows.Close()

	var records []enrich.Record
	for rows.Next() {
		var r enrich.Record
		if err := rows.Scan(&r.Key, &r.Category, &r.Title); err != nil {
			return nil, errors.Wrap(err, "failed to scan product row")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating product rows")
	}
	return records, nil
}

// BulkWrite persists one page of keyword results. Rows are written
// independently so one bad key does not sink the page; each key's outcome
// is reported back to the scheduler.
func (s *Store) BulkWrite(ctx context.Context, results []enrich.Result) ([]enrich.WriteOutcome, error) {
	if len(results) == 0 {
		return nil, nil
	}

	now := time.Now()
	outcomes := make([]enrich.WriteOutcome, 0, len(results))

	for _, r := range results {
		keywordsJSON, err := json.Marshal(r.Keywords)
		if err != nil {
			outcomes = append(outcomes, enrich.WriteOutcome{
				Key: r.Key,
				Err: errors.Wrap(err, "failed to marshal keywords"),
			})
			continue
		}

		res, err := s.db.ExecContext(ctx,
			"UPDATE products SET seo_keywords = ?, updated_at = ? WHERE sku = ?",
			string(keywordsJSON), now, r.Key)
		if err != nil {
			outcomes = append(outcomes, enrich.WriteOutcome{
				Key: r.Key,
				Err: errors.Wrapf(err, "failed to write keywords for %s", r.Key),
			})
			continue
		}

		affected, err := res.RowsAffected()
		if err != nil {
			outcomes = append(outcomes, enrich.WriteOutcome{
				Key: r.Key,
				Err: errors.Wrap(err, "failed to get rows affected"),
			})
			continue
		}
		if affected == 0 {
			outcomes = append(outcomes, enrich.WriteOutcome{
				Key: r.Key,
				Err: errors.NewNotFoundError("product not in catalog: %s", r.Key),
			})
			continue
		}

		outcomes = append(outcomes, enrich.WriteOutcome{Key: r.Key})
	}

	return outcomes, nil
}

// InsertProduct adds a product to the catalog. Used by seeding and tests;
// the admin CRUD surface owns product creation in production.
func (s *Store) InsertProduct(ctx context.Context, rec enrich.Record) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO products (sku, category, title, updated_at) VALUES (?, ?, ?, ?)",
		rec.Key, rec.Category, rec.Title, time.Now())
	if err != nil {
		return errors.Wrapf(err, "failed to insert product %s", rec.Key)
	}
	return nil
}

// Keywords returns the stored keywords for a SKU, or ErrNotFound.
func (s *Store) Keywords(ctx context.Context, sku string) ([]string, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT seo_keywords FROM products WHERE sku = ?", sku).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("product not in catalog: %s", sku)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read keywords for %s", sku)
	}
	if !raw.Valid {
		return nil, nil
	}

	var keywords []string
	if err := json.Unmarshal([]byte(raw.String), &keywords); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal keywords for %s", sku)
	}
	return keywords, nil
}
