package store

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/picklesueat/Steam-Review-Analytics/internal/db"
	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate runs all pending SQL migrations in lexicographic order, tracked in
// a schema_migrations table and guarded by an advisory lock so overlapping
// deploys cannot race.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock(721931)"); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock(721931)"); err != nil {
			log.Warn("failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))

		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}

	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Raw ledger ---

var rawColumns = []string{
	"app_id", "recommendation_id", "observed_at", "ingested_at",
	"run_id", "content_hash", "cursor", "payload",
}

func (s *PostgresStore) AppendRaw(ctx context.Context, rows []model.RawReview) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	values := make([][]any, len(rows))
	for i, r := range rows {
		var observed any
		if r.ObservedAt != nil {
			observed = r.ObservedAt.UTC()
		}
		values[i] = []any{
			r.AppID, r.RecommendationID, observed, r.IngestedAt.UTC(),
			r.RunID, r.ContentHash, r.Cursor, []byte(r.Payload),
		}
	}

	n, err := db.CopyFrom(ctx, s.pool, "raw_reviews", rawColumns, values)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append raw")
	}
	return n, nil
}

func (s *PostgresStore) CandidateKeys(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `SELECT DISTINCT r.recommendation_id FROM raw_reviews r ORDER BY r.recommendation_id`
	var args []any
	if !cutoff.IsZero() {
		query = `SELECT DISTINCT r.recommendation_id FROM raw_reviews r
		 WHERE COALESCE(r.observed_at, r.ingested_at) > $1
		    OR NOT EXISTS (SELECT 1 FROM review_facts f WHERE f.recommendation_id = r.recommendation_id)
		 ORDER BY r.recommendation_id`
		args = append(args, cutoff.UTC())
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: candidate keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RawByKeys(ctx context.Context, keys []string) ([]model.RawReview, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT app_id, recommendation_id, observed_at, ingested_at, run_id, content_hash, cursor, payload
		 FROM raw_reviews WHERE recommendation_id = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: raw by keys")
	}
	defer rows.Close()

	var out []model.RawReview
	for rows.Next() {
		var (
			r        model.RawReview
			observed *time.Time
			cursor   *string
			payload  []byte
		)
		if err := rows.Scan(&r.AppID, &r.RecommendationID, &observed, &r.IngestedAt, &r.RunID, &r.ContentHash, &cursor, &payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan raw review")
		}
		if observed != nil {
			t := observed.UTC()
			r.ObservedAt = &t
		}
		r.IngestedAt = r.IngestedAt.UTC()
		if cursor != nil {
			r.Cursor = *cursor
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Fact table ---

func (s *PostgresStore) FactWatermark(ctx context.Context) (time.Time, error) {
	var mark *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(record_changed_at) FROM review_facts`).Scan(&mark)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: fact watermark")
	}
	if mark == nil {
		return time.Time{}, nil
	}
	return mark.UTC(), nil
}

func (s *PostgresStore) ExistingFactKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT recommendation_id FROM review_facts WHERE recommendation_id = ANY($1)`, keys,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing fact keys")
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan existing key")
		}
		existing[k] = true
	}
	return existing, rows.Err()
}

var factCols = []string{
	"recommendation_id", "app_id", "voted_up", "review_text", "language", "author_steamid",
	"playtime_forever", "votes_up", "votes_funny", "weighted_vote_score", "steam_purchase",
	"created_at", "updated_at", "record_changed_at", "ingested_at", "run_id", "content_hash", "deleted",
}

func (s *PostgresStore) ReplaceFacts(ctx context.Context, facts []model.ReviewFact) error {
	if len(facts) == 0 {
		return nil
	}

	rows := make([][]any, len(facts))
	for i, f := range facts {
		rows[i] = []any{
			f.RecommendationID, f.AppID, f.VotedUp, f.ReviewText, f.Language, f.AuthorSteamID,
			f.PlaytimeForever, f.VotesUp, f.VotesFunny, f.WeightedScore, f.SteamPurchase,
			nullableTime(f.CreatedAt), nullableTime(f.UpdatedAt), f.RecordChangedAt.UTC(),
			f.IngestedAt.UTC(), f.RunID, f.ContentHash, f.Deleted,
		}
	}

	// Every column is written, so ON CONFLICT DO UPDATE replaces the row
	// wholesale; the temp-table upsert is one transaction end to end.
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "review_facts",
		Columns:      factCols,
		ConflictKeys: []string{"recommendation_id"},
	}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: replace facts")
	}
	return nil
}

const pgFactColumns = `recommendation_id, app_id, voted_up, review_text, language, author_steamid,
	playtime_forever, votes_up, votes_funny, weighted_vote_score, steam_purchase,
	created_at, updated_at, record_changed_at, ingested_at, run_id, content_hash, deleted`

func (s *PostgresStore) ListFacts(ctx context.Context) ([]model.ReviewFact, error) {
	return s.queryFacts(ctx, `SELECT `+pgFactColumns+` FROM review_facts ORDER BY recommendation_id`)
}

func (s *PostgresStore) FactsByApp(ctx context.Context, appID string) ([]model.ReviewFact, error) {
	return s.queryFacts(ctx, `SELECT `+pgFactColumns+` FROM review_facts WHERE app_id = $1 ORDER BY recommendation_id`, appID)
}

func (s *PostgresStore) queryFacts(ctx context.Context, query string, args ...any) ([]model.ReviewFact, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query facts")
	}
	defer rows.Close()

	var out []model.ReviewFact
	for rows.Next() {
		var (
			f                  model.ReviewFact
			reviewText         *string
			language           *string
			author             *string
			createdAt, updated *time.Time
		)
		if err := rows.Scan(
			&f.RecommendationID, &f.AppID, &f.VotedUp, &reviewText, &language, &author,
			&f.PlaytimeForever, &f.VotesUp, &f.VotesFunny, &f.WeightedScore, &f.SteamPurchase,
			&createdAt, &updated, &f.RecordChangedAt, &f.IngestedAt, &f.RunID, &f.ContentHash, &f.Deleted,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		if reviewText != nil {
			f.ReviewText = *reviewText
		}
		if language != nil {
			f.Language = *language
		}
		if author != nil {
			f.AuthorSteamID = *author
		}
		if createdAt != nil {
			t := createdAt.UTC()
			f.CreatedAt = &t
		}
		if updated != nil {
			t := updated.UTC()
			f.UpdatedAt = &t
		}
		f.RecordChangedAt = f.RecordChangedAt.UTC()
		f.IngestedAt = f.IngestedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Metric snapshots ---

var metricCols = []string{
	"app_id", "as_of_date", "total_events", "lifetime_positive_ratio", "edp_current",
	"momentum_ratio", "cult_score", "half_life_short", "half_life_long", "half_life_pos", "computed_at",
}

func (s *PostgresStore) UpsertMetrics(ctx context.Context, snapshots []model.EntityMetrics) error {
	if len(snapshots) == 0 {
		return nil
	}

	rows := make([][]any, len(snapshots))
	for i, m := range snapshots {
		rows[i] = []any{
			m.AppID, DateOf(m.AsOfDate), m.TotalEvents, m.LifetimePositiveRatio,
			nullableFloat(m.EDPCurrent), m.MomentumRatio, nullableFloat(m.CultScore),
			m.HalfLifeShort, m.HalfLifeLong, m.HalfLifePos, m.ComputedAt.UTC(),
		}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "entity_metrics",
		Columns:      metricCols,
		ConflictKeys: []string{"app_id", "as_of_date"},
	}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert metrics")
	}
	return nil
}

const pgMetricColumns = `app_id, as_of_date, total_events, lifetime_positive_ratio, edp_current,
	momentum_ratio, cult_score, half_life_short, half_life_long, half_life_pos, computed_at`

func (s *PostgresStore) MetricsAsOf(ctx context.Context, asOf time.Time) ([]model.EntityMetrics, error) {
	query := `SELECT ` + pgMetricColumns + ` FROM entity_metrics WHERE as_of_date = $1 ORDER BY app_id`
	args := []any{DateOf(asOf)}
	if asOf.IsZero() {
		// Latest snapshot per app.
		query = `SELECT DISTINCT ON (app_id) ` + pgMetricColumns + ` FROM entity_metrics
			 ORDER BY app_id, as_of_date DESC`
		args = nil
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: metrics as of")
	}
	defer rows.Close()

	var out []model.EntityMetrics
	for rows.Next() {
		m, err := scanPgMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MetricsForApp(ctx context.Context, appID string, asOf time.Time) (*model.EntityMetrics, error) {
	query := `SELECT ` + pgMetricColumns + ` FROM entity_metrics WHERE app_id = $1 AND as_of_date = $2 LIMIT 1`
	args := []any{appID, DateOf(asOf)}
	if asOf.IsZero() {
		query = `SELECT ` + pgMetricColumns + ` FROM entity_metrics WHERE app_id = $1 ORDER BY as_of_date DESC LIMIT 1`
		args = []any{appID}
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: metrics for app")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPgMetrics(rows)
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPgMetrics(row pgScannable) (*model.EntityMetrics, error) {
	var (
		m         model.EntityMetrics
		edp, cult *float64
	)
	if err := row.Scan(
		&m.AppID, &m.AsOfDate, &m.TotalEvents, &m.LifetimePositiveRatio, &edp,
		&m.MomentumRatio, &cult, &m.HalfLifeShort, &m.HalfLifeLong, &m.HalfLifePos, &m.ComputedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: scan metrics")
	}
	m.EDPCurrent = edp
	m.CultScore = cult
	m.ComputedAt = m.ComputedAt.UTC()
	return &m, nil
}

// --- Run log ---

func (s *PostgresStore) StartRun(ctx context.Context, kind ledger.RunKind) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_log (id, kind, status, started_at) VALUES ($1, $2, $3, now())`,
		id, string(kind), string(ledger.RunRunning),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start %s run", kind)
	}
	return id, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, rowCount int64, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run metadata")
		}
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE run_log SET status = $1, completed_at = now(), row_count = $2, metadata = $3 WHERE id = $4`,
		string(ledger.RunComplete), rowCount, metaJSON, runID,
	)
	return eris.Wrapf(err, "postgres: complete run %s", runID)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE run_log SET status = $1, completed_at = now(), error = $2 WHERE id = $3`,
		string(ledger.RunFailed), errMsg, runID,
	)
	return eris.Wrapf(err, "postgres: fail run %s", runID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]ledger.RunEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, status, started_at, completed_at, row_count, error, metadata
		 FROM run_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var entries []ledger.RunEntry
	for rows.Next() {
		e, err := scanPgRunEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) LastSuccessfulRun(ctx context.Context, kind ledger.RunKind) (*ledger.RunEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, status, started_at, completed_at, row_count, error, metadata
		 FROM run_log WHERE kind = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`,
		string(kind), string(ledger.RunComplete),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last %s run", kind)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPgRunEntry(rows)
}

func scanPgRunEntry(row pgScannable) (*ledger.RunEntry, error) {
	var (
		e         ledger.RunEntry
		completed *time.Time
		errMsg    *string
		metaJSON  []byte
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.Status, &e.StartedAt, &completed, &e.Rows, &errMsg, &metaJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: scan run entry")
	}
	e.StartedAt = e.StartedAt.UTC()
	if completed != nil {
		t := completed.UTC()
		e.CompletedAt = &t
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &e.Metadata)
	}
	return &e, nil
}
