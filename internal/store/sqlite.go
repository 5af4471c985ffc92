package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_reviews (
	app_id            TEXT NOT NULL,
	recommendation_id TEXT NOT NULL,
	observed_at       DATETIME,
	ingested_at       DATETIME NOT NULL,
	run_id            TEXT NOT NULL,
	content_hash      TEXT NOT NULL,
	cursor            TEXT,
	payload           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS review_facts (
	recommendation_id   TEXT PRIMARY KEY,
	app_id              TEXT NOT NULL,
	voted_up            INTEGER NOT NULL,
	review_text         TEXT,
	language            TEXT,
	author_steamid      TEXT,
	playtime_forever    INTEGER NOT NULL DEFAULT 0,
	votes_up            INTEGER NOT NULL DEFAULT 0,
	votes_funny         INTEGER NOT NULL DEFAULT 0,
	weighted_vote_score REAL NOT NULL DEFAULT 0,
	steam_purchase      INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME,
	updated_at          DATETIME,
	record_changed_at   DATETIME NOT NULL,
	ingested_at         DATETIME NOT NULL,
	run_id              TEXT NOT NULL,
	content_hash        TEXT NOT NULL,
	deleted             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entity_metrics (
	app_id                  TEXT NOT NULL,
	as_of_date              TEXT NOT NULL,
	total_events            INTEGER NOT NULL,
	lifetime_positive_ratio REAL NOT NULL,
	edp_current             REAL,
	momentum_ratio          REAL NOT NULL,
	cult_score              REAL,
	half_life_short         REAL NOT NULL,
	half_life_long          REAL NOT NULL,
	half_life_pos           REAL NOT NULL,
	computed_at             DATETIME NOT NULL,
	PRIMARY KEY (app_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS run_log (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	row_count    INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_raw_reviews_rec ON raw_reviews(recommendation_id);
CREATE INDEX IF NOT EXISTS idx_raw_reviews_app ON raw_reviews(app_id);
CREATE INDEX IF NOT EXISTS idx_review_facts_app ON review_facts(app_id);
CREATE INDEX IF NOT EXISTS idx_review_facts_changed ON review_facts(record_changed_at);
CREATE INDEX IF NOT EXISTS idx_run_log_kind ON run_log(kind, status, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Raw ledger ---

func (s *SQLiteStore) AppendRaw(ctx context.Context, rows []model.RawReview) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_reviews (app_id, recommendation_id, observed_at, ingested_at, run_id, content_hash, cursor, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare append")
	}
	defer stmt.Close()

	for _, r := range rows {
		var observed any
		if r.ObservedAt != nil {
			observed = r.ObservedAt.UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			r.AppID, r.RecommendationID, observed, r.IngestedAt.UTC(),
			r.RunID, r.ContentHash, r.Cursor, string(r.Payload),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: append raw %s", r.RecommendationID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append")
	}
	return int64(len(rows)), nil
}

func (s *SQLiteStore) CandidateKeys(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `SELECT DISTINCT r.recommendation_id FROM raw_reviews r ORDER BY r.recommendation_id`
	var args []any
	if !cutoff.IsZero() {
		query = `SELECT DISTINCT r.recommendation_id FROM raw_reviews r
		 WHERE COALESCE(r.observed_at, r.ingested_at) > ?
		    OR NOT EXISTS (SELECT 1 FROM review_facts f WHERE f.recommendation_id = r.recommendation_id)
		 ORDER BY r.recommendation_id`
		args = append(args, cutoff.UTC())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: candidate keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: candidate keys iterate")
}

func (s *SQLiteStore) RawByKeys(ctx context.Context, keys []string) ([]model.RawReview, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query := `SELECT app_id, recommendation_id, observed_at, ingested_at, run_id, content_hash, cursor, payload
	 FROM raw_reviews WHERE recommendation_id IN (` + placeholders(len(keys)) + `)`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(keys)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: raw by keys")
	}
	defer rows.Close()

	var out []model.RawReview
	for rows.Next() {
		var (
			r        model.RawReview
			observed sql.NullTime
			cursor   sql.NullString
			payload  string
		)
		if err := rows.Scan(&r.AppID, &r.RecommendationID, &observed, &r.IngestedAt, &r.RunID, &r.ContentHash, &cursor, &payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw review")
		}
		if observed.Valid {
			t := observed.Time.UTC()
			r.ObservedAt = &t
		}
		r.IngestedAt = r.IngestedAt.UTC()
		r.Cursor = cursor.String
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: raw by keys iterate")
}

// --- Fact table ---

func (s *SQLiteStore) FactWatermark(ctx context.Context) (time.Time, error) {
	// MAX() strips the column's declared type, so the driver would hand the
	// aggregate back as TEXT. Selecting the column keeps the DATETIME scan.
	var mark time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT record_changed_at FROM review_facts ORDER BY record_changed_at DESC LIMIT 1`,
	).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: fact watermark")
	}
	return mark.UTC(), nil
}

func (s *SQLiteStore) ExistingFactKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	query := `SELECT recommendation_id FROM review_facts WHERE recommendation_id IN (` + placeholders(len(keys)) + `)`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(keys)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing fact keys")
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan existing key")
		}
		existing[k] = true
	}
	return existing, eris.Wrap(rows.Err(), "sqlite: existing fact keys iterate")
}

func (s *SQLiteStore) ReplaceFacts(ctx context.Context, facts []model.ReviewFact) error {
	if len(facts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace")
	}
	defer tx.Rollback()

	// INSERT OR REPLACE is SQLite's native delete-then-insert; the whole
	// batch shares one transaction so readers see all or nothing.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO review_facts
		 (recommendation_id, app_id, voted_up, review_text, language, author_steamid,
		  playtime_forever, votes_up, votes_funny, weighted_vote_score, steam_purchase,
		  created_at, updated_at, record_changed_at, ingested_at, run_id, content_hash, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare replace")
	}
	defer stmt.Close()

	for _, f := range facts {
		if _, err := stmt.ExecContext(ctx,
			f.RecommendationID, f.AppID, f.VotedUp, f.ReviewText, f.Language, f.AuthorSteamID,
			f.PlaytimeForever, f.VotesUp, f.VotesFunny, f.WeightedScore, f.SteamPurchase,
			nullableTime(f.CreatedAt), nullableTime(f.UpdatedAt), f.RecordChangedAt.UTC(),
			f.IngestedAt.UTC(), f.RunID, f.ContentHash, f.Deleted,
		); err != nil {
			return eris.Wrapf(err, "sqlite: replace fact %s", f.RecommendationID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace")
}

const factColumns = `recommendation_id, app_id, voted_up, review_text, language, author_steamid,
	playtime_forever, votes_up, votes_funny, weighted_vote_score, steam_purchase,
	created_at, updated_at, record_changed_at, ingested_at, run_id, content_hash, deleted`

func (s *SQLiteStore) ListFacts(ctx context.Context) ([]model.ReviewFact, error) {
	return s.queryFacts(ctx, `SELECT `+factColumns+` FROM review_facts ORDER BY recommendation_id`)
}

func (s *SQLiteStore) FactsByApp(ctx context.Context, appID string) ([]model.ReviewFact, error) {
	return s.queryFacts(ctx, `SELECT `+factColumns+` FROM review_facts WHERE app_id = ? ORDER BY recommendation_id`, appID)
}

func (s *SQLiteStore) queryFacts(ctx context.Context, query string, args ...any) ([]model.ReviewFact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query facts")
	}
	defer rows.Close()

	var out []model.ReviewFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query facts iterate")
}

func scanFact(rows *sql.Rows) (*model.ReviewFact, error) {
	var (
		f                  model.ReviewFact
		reviewText         sql.NullString
		language           sql.NullString
		author             sql.NullString
		createdAt, updated sql.NullTime
	)
	if err := rows.Scan(
		&f.RecommendationID, &f.AppID, &f.VotedUp, &reviewText, &language, &author,
		&f.PlaytimeForever, &f.VotesUp, &f.VotesFunny, &f.WeightedScore, &f.SteamPurchase,
		&createdAt, &updated, &f.RecordChangedAt, &f.IngestedAt, &f.RunID, &f.ContentHash, &f.Deleted,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan fact")
	}
	f.ReviewText = reviewText.String
	f.Language = language.String
	f.AuthorSteamID = author.String
	if createdAt.Valid {
		t := createdAt.Time.UTC()
		f.CreatedAt = &t
	}
	if updated.Valid {
		t := updated.Time.UTC()
		f.UpdatedAt = &t
	}
	f.RecordChangedAt = f.RecordChangedAt.UTC()
	f.IngestedAt = f.IngestedAt.UTC()
	return &f, nil
}

// --- Metric snapshots ---

func (s *SQLiteStore) UpsertMetrics(ctx context.Context, snapshots []model.EntityMetrics) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin metrics upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO entity_metrics
		 (app_id, as_of_date, total_events, lifetime_positive_ratio, edp_current,
		  momentum_ratio, cult_score, half_life_short, half_life_long, half_life_pos, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare metrics upsert")
	}
	defer stmt.Close()

	for _, m := range snapshots {
		if _, err := stmt.ExecContext(ctx,
			m.AppID, DateOf(m.AsOfDate).Format("2006-01-02"), m.TotalEvents, m.LifetimePositiveRatio,
			nullableFloat(m.EDPCurrent), m.MomentumRatio, nullableFloat(m.CultScore),
			m.HalfLifeShort, m.HalfLifeLong, m.HalfLifePos, m.ComputedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert metrics for %s", m.AppID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit metrics upsert")
}

const metricColumns = `app_id, as_of_date, total_events, lifetime_positive_ratio, edp_current,
	momentum_ratio, cult_score, half_life_short, half_life_long, half_life_pos, computed_at`

func (s *SQLiteStore) MetricsAsOf(ctx context.Context, asOf time.Time) ([]model.EntityMetrics, error) {
	query := `SELECT ` + metricColumns + ` FROM entity_metrics WHERE as_of_date = ? ORDER BY app_id`
	args := []any{DateOf(asOf).Format("2006-01-02")}
	if asOf.IsZero() {
		// Latest snapshot per app.
		query = `SELECT ` + metricColumns + ` FROM entity_metrics em
			 WHERE as_of_date = (SELECT MAX(as_of_date) FROM entity_metrics WHERE app_id = em.app_id)
			 ORDER BY app_id`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: metrics as of")
	}
	defer rows.Close()

	var out []model.EntityMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: metrics as of iterate")
}

func (s *SQLiteStore) MetricsForApp(ctx context.Context, appID string, asOf time.Time) (*model.EntityMetrics, error) {
	query := `SELECT ` + metricColumns + ` FROM entity_metrics WHERE app_id = ? AND as_of_date = ? LIMIT 1`
	args := []any{appID, DateOf(asOf).Format("2006-01-02")}
	if asOf.IsZero() {
		query = `SELECT ` + metricColumns + ` FROM entity_metrics WHERE app_id = ? ORDER BY as_of_date DESC LIMIT 1`
		args = []any{appID}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: metrics for app")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, eris.Wrap(rows.Err(), "sqlite: metrics for app iterate")
	}
	return scanMetrics(rows)
}

func scanMetrics(rows *sql.Rows) (*model.EntityMetrics, error) {
	var (
		m         model.EntityMetrics
		asOf      string
		edp, cult sql.NullFloat64
	)
	if err := rows.Scan(
		&m.AppID, &asOf, &m.TotalEvents, &m.LifetimePositiveRatio, &edp,
		&m.MomentumRatio, &cult, &m.HalfLifeShort, &m.HalfLifeLong, &m.HalfLifePos, &m.ComputedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan metrics")
	}
	parsed, err := time.Parse("2006-01-02", asOf)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse as_of_date %q", asOf)
	}
	m.AsOfDate = parsed
	if edp.Valid {
		v := edp.Float64
		m.EDPCurrent = &v
	}
	if cult.Valid {
		v := cult.Float64
		m.CultScore = &v
	}
	m.ComputedAt = m.ComputedAt.UTC()
	return &m, nil
}

// --- Run log ---

func (s *SQLiteStore) StartRun(ctx context.Context, kind ledger.RunKind) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		id, string(kind), string(ledger.RunRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start %s run", kind)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, rowCount int64, metadata map[string]any) error {
	var metaJSON any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run metadata")
		}
		metaJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE run_log SET status = ?, completed_at = ?, row_count = ?, metadata = ? WHERE id = ?`,
		string(ledger.RunComplete), time.Now().UTC(), rowCount, metaJSON, runID,
	)
	return eris.Wrapf(err, "sqlite: complete run %s", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_log SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(ledger.RunFailed), time.Now().UTC(), errMsg, runID,
	)
	return eris.Wrapf(err, "sqlite: fail run %s", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]ledger.RunEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, status, started_at, completed_at, row_count, error, metadata
		 FROM run_log ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var entries []ledger.RunEntry
	for rows.Next() {
		e, err := scanRunEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LastSuccessfulRun(ctx context.Context, kind ledger.RunKind) (*ledger.RunEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, status, started_at, completed_at, row_count, error, metadata
		 FROM run_log WHERE kind = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		string(kind), string(ledger.RunComplete),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last %s run", kind)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, eris.Wrapf(rows.Err(), "sqlite: last %s run iterate", kind)
	}
	return scanRunEntry(rows)
}

func scanRunEntry(rows *sql.Rows) (*ledger.RunEntry, error) {
	var (
		e         ledger.RunEntry
		completed sql.NullTime
		errMsg    sql.NullString
		metaJSON  sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.Kind, &e.Status, &e.StartedAt, &completed, &e.Rows, &errMsg, &metaJSON); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run entry")
	}
	e.StartedAt = e.StartedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		e.CompletedAt = &t
	}
	e.Error = errMsg.String
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
	}
	return &e, nil
}

// helpers

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAnySlice(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
