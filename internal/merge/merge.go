// Package merge maintains the normalized review fact table incrementally.
// Each run re-scans only the keys touched inside a trailing window behind the
// stored watermark (plus keys the fact table has never seen), compacts their
// landings, and replaces the affected rows as one atomic batch.
package merge

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/picklesueat/Steam-Review-Analytics/internal/compact"
	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

// DefaultTrailingWindow absorbs upstream update timestamps that lag true
// mutation time. Strictly larger than the expected lag bound; configurable.
const DefaultTrailingWindow = 48 * time.Hour

// Store is the persistence surface the merger needs.
type Store interface {
	FactWatermark(ctx context.Context) (time.Time, error)
	CandidateKeys(ctx context.Context, cutoff time.Time) ([]string, error)
	RawByKeys(ctx context.Context, keys []string) ([]model.RawReview, error)
	ExistingFactKeys(ctx context.Context, keys []string) (map[string]bool, error)
	ReplaceFacts(ctx context.Context, facts []model.ReviewFact) error
}

// Options configures one merge run.
type Options struct {
	// TrailingWindow bounds the re-scan behind the watermark. Nil means
	// DefaultTrailingWindow; negative means full rescan (the backfill path,
	// equivalent to an infinite window). An explicit zero is honored as a
	// zero-width window.
	TrailingWindow *time.Duration
}

// Window is a convenience for building Options literals.
func Window(d time.Duration) *time.Duration { return &d }

// KeyError reports a key excluded from a batch with its cause.
type KeyError struct {
	RecommendationID string `json:"recommendation_id"`
	Err              string `json:"error"`
}

// Result summarizes a merge run.
type Result struct {
	Inserted          int64      `json:"inserted"`
	Updated           int64      `json:"updated"`
	Malformed         []KeyError `json:"malformed,omitempty"`
	Watermark         time.Time  `json:"watermark"`
	PreviousWatermark time.Time  `json:"previous_watermark"`
}

// Merger runs incremental merges against a store. A Merger is a single
// writer: concurrent merges over the same fact table are not supported.
type Merger struct {
	store  Store
	runLog *ledger.RunLog
	window time.Duration
}

// New creates a Merger. runLog may be nil; runs are then not audited.
func New(store Store, runLog *ledger.RunLog, opts Options) *Merger {
	window := DefaultTrailingWindow
	if opts.TrailingWindow != nil {
		window = *opts.TrailingWindow
	}
	return &Merger{store: store, runLog: runLog, window: window}
}

// Run executes one merge. Idempotent: re-running with the same ledger state
// selects the same or a superset of keys and replace-by-key converges to the
// same fact table. The watermark never advances past a failed batch and
// never regresses.
func (m *Merger) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "merge"))

	var runID string
	if m.runLog != nil {
		var err error
		runID, err = m.runLog.Start(ctx, ledger.RunMerge)
		if err != nil {
			return nil, err
		}
	}

	res, err := m.run(ctx, log)
	if m.runLog != nil && runID != "" {
		if err != nil {
			if logErr := m.runLog.Fail(ctx, runID, err.Error()); logErr != nil {
				log.Error("failed to record merge failure", zap.Error(logErr))
			}
		} else {
			meta := map[string]any{
				ledger.MetaWatermark: res.Watermark.Format(time.RFC3339Nano),
			}
			if len(res.Malformed) > 0 {
				keys := make([]string, len(res.Malformed))
				for i, ke := range res.Malformed {
					keys[i] = ke.RecommendationID
				}
				meta[ledger.MetaMalformed] = keys
			}
			if logErr := m.runLog.Complete(ctx, runID, res.Inserted+res.Updated, meta); logErr != nil {
				log.Error("failed to record merge completion", zap.Error(logErr))
			}
		}
	}
	return res, err
}

func (m *Merger) run(ctx context.Context, log *zap.Logger) (*Result, error) {
	watermark, err := m.store.FactWatermark(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "merge: read watermark")
	}

	// An empty fact table or a negative window means full rescan; otherwise
	// re-scan only behind watermark - window. First-time keys are included
	// by CandidateKeys regardless of cutoff, so a brand-new review landing
	// with an old observed_at is never silently dropped.
	var cutoff time.Time
	if !watermark.IsZero() && m.window >= 0 {
		cutoff = watermark.Add(-m.window)
	}

	keys, err := m.store.CandidateKeys(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "merge: select candidate keys")
	}

	res := &Result{PreviousWatermark: watermark, Watermark: watermark}
	if len(keys) == 0 {
		log.Info("merge up to date", zap.Time("watermark", watermark))
		return res, nil
	}

	// Compaction needs every landing of a candidate key, not just the
	// in-window ones: an in-window landing may lose the ranking to an
	// earlier-observed but later-ingested copy.
	raws, err := m.store.RawByKeys(ctx, keys)
	if err != nil {
		return nil, eris.Wrap(err, "merge: load raw landings")
	}

	latest := compact.LatestByRecord(compact.Compact(raws))

	recIDs := make([]string, 0, len(latest))
	for id := range latest {
		recIDs = append(recIDs, id)
	}
	sort.Strings(recIDs)

	facts := make([]model.ReviewFact, 0, len(recIDs))
	for _, id := range recIDs {
		fact, err := Flatten(latest[id])
		if err != nil {
			log.Warn("excluding malformed payload",
				zap.String("recommendation_id", id),
				zap.Error(err),
			)
			res.Malformed = append(res.Malformed, KeyError{RecommendationID: id, Err: err.Error()})
			continue
		}
		facts = append(facts, fact)
	}

	if len(facts) == 0 {
		log.Info("no mergeable facts in batch",
			zap.Int("candidates", len(keys)),
			zap.Int("malformed", len(res.Malformed)),
		)
		return res, nil
	}

	existing, err := m.store.ExistingFactKeys(ctx, factKeys(facts))
	if err != nil {
		return nil, eris.Wrap(err, "merge: check existing keys")
	}

	if err := m.store.ReplaceFacts(ctx, facts); err != nil {
		return nil, eris.Wrap(err, "merge: replace facts")
	}

	batchMax := watermark
	for _, f := range facts {
		if existing[f.RecommendationID] {
			res.Updated++
		} else {
			res.Inserted++
		}
		if f.RecordChangedAt.After(batchMax) {
			batchMax = f.RecordChangedAt
		}
	}

	// The watermark only ever advances. A batch of purely late-arriving
	// corrections can compute below the stored mark; keep the old one.
	if batchMax.Before(watermark) {
		log.Warn("watermark regression ignored",
			zap.Time("stored", watermark),
			zap.Time("computed", batchMax),
		)
		batchMax = watermark
	}
	res.Watermark = batchMax

	log.Info("merge complete",
		zap.Int64("inserted", res.Inserted),
		zap.Int64("updated", res.Updated),
		zap.Int("malformed", len(res.Malformed)),
		zap.Time("watermark", res.Watermark),
	)
	return res, nil
}

func factKeys(facts []model.ReviewFact) []string {
	keys := make([]string, len(facts))
	for i, f := range facts {
		keys[i] = f.RecommendationID
	}
	return keys
}
