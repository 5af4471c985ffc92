// Package store persists the review warehouse: the append-only raw ledger,
// the normalized fact table, per-app metric snapshots, and the run log.
// Two backends exist: Postgres (pgx) for shared deployments and SQLite
// (modernc) for local runs and tests. All merge/aggregation semantics live
// above this package; the store only answers queries and applies batches.
package store

import (
	"context"
	"time"

	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

// Store defines the persistence interface for the review analytics core.
type Store interface {
	// Raw ledger. Append-only: rows are never mutated or deleted, and no
	// uniqueness is enforced across landings.
	AppendRaw(ctx context.Context, rows []model.RawReview) (int64, error)

	// CandidateKeys returns recommendation IDs with any landing whose
	// effective time (observed_at, else ingested_at) is after cutoff, plus
	// every ID absent from the fact table regardless of cutoff. A zero
	// cutoff selects all keys (the full-rescan backfill path).
	CandidateKeys(ctx context.Context, cutoff time.Time) ([]string, error)

	// RawByKeys returns every landing for the given recommendation IDs.
	RawByKeys(ctx context.Context, keys []string) ([]model.RawReview, error)

	// Fact table.
	FactWatermark(ctx context.Context) (time.Time, error)
	ExistingFactKeys(ctx context.Context, keys []string) (map[string]bool, error)
	// ReplaceFacts applies a batch with delete-then-insert semantics in one
	// transaction; readers never observe a partial batch.
	ReplaceFacts(ctx context.Context, facts []model.ReviewFact) error
	ListFacts(ctx context.Context) ([]model.ReviewFact, error)
	FactsByApp(ctx context.Context, appID string) ([]model.ReviewFact, error)

	// Metric snapshots, keyed (app_id, as_of_date). A zero asOf selects the
	// latest snapshot per app.
	UpsertMetrics(ctx context.Context, snapshots []model.EntityMetrics) error
	MetricsAsOf(ctx context.Context, asOf time.Time) ([]model.EntityMetrics, error)
	MetricsForApp(ctx context.Context, appID string, asOf time.Time) (*model.EntityMetrics, error)

	// Run log.
	ledger.Log

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// DateOf truncates a timestamp to its UTC calendar date, the granularity
// metric snapshots are keyed by.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
