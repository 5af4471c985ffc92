package decay

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

// FactSource provides the normalized review facts the aggregator scans.
type FactSource interface {
	ListFacts(ctx context.Context) ([]model.ReviewFact, error)
	FactsByApp(ctx context.Context, appID string) ([]model.ReviewFact, error)
}

// MetricsSink receives computed metric snapshots.
type MetricsSink interface {
	UpsertMetrics(ctx context.Context, snapshots []model.EntityMetrics) error
}

// Aggregator recomputes the per-app metrics wholesale on every run. The
// computation cannot be incremental: every event's age is relative to the
// run's as-of date, so a new as-of invalidates all prior weights.
type Aggregator struct {
	facts   FactSource
	sink    MetricsSink
	params  Params
	workers int
}

// NewAggregator creates an Aggregator. workers bounds per-app parallelism;
// values below 1 fall back to 4.
func NewAggregator(facts FactSource, sink MetricsSink, params Params, workers int) *Aggregator {
	if workers < 1 {
		workers = 4
	}
	return &Aggregator{facts: facts, sink: sink, params: params, workers: workers}
}

// Run scans the fact table (or one app for a targeted backfill), computes a
// metrics snapshot per app as of asOf, and upserts the snapshots. It returns
// the computed set ordered by app ID.
func (a *Aggregator) Run(ctx context.Context, asOf time.Time, appID string) ([]model.EntityMetrics, error) {
	log := zap.L().With(zap.String("component", "decay.aggregator"))

	var (
		facts []model.ReviewFact
		err   error
	)
	if appID != "" {
		facts, err = a.facts.FactsByApp(ctx, appID)
	} else {
		facts, err = a.facts.ListFacts(ctx)
	}
	if err != nil {
		return nil, eris.Wrap(err, "decay: load facts")
	}

	byApp := make(map[string][]model.ReviewFact)
	for _, f := range facts {
		if f.Deleted {
			continue
		}
		byApp[f.AppID] = append(byApp[f.AppID], f)
	}

	apps := make([]string, 0, len(byApp))
	for id := range byApp {
		apps = append(apps, id)
	}
	sort.Strings(apps)

	// Per-app computation is stateless, so a bounded parallel map is enough;
	// only the slice slot assignment is shared and each goroutine owns its own.
	out := make([]model.EntityMetrics, len(apps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, id := range apps {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			out[i] = ComputeMetrics(id, byApp[id], asOf, a.params)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "decay: compute metrics")
	}

	if a.sink != nil && len(out) > 0 {
		if err := a.sink.UpsertMetrics(ctx, out); err != nil {
			return nil, eris.Wrap(err, "decay: upsert metrics")
		}
	}

	log.Info("aggregation complete",
		zap.Int("apps", len(out)),
		zap.Int("facts", len(facts)),
		zap.Time("as_of", asOf),
	)
	return out, nil
}

// ComputeMetrics computes one app's snapshot from its facts. Pure; safe to
// call concurrently across apps.
func ComputeMetrics(appID string, facts []model.ReviewFact, asOf time.Time, p Params) model.EntityMetrics {
	window := Window(appID, facts, asOf)
	halves := HalfLives(window.TenureDays, p)
	lambdaShort := Lambda(halves.Short)
	lambdaLong := Lambda(halves.Long)
	lambdaPos := Lambda(halves.Pos)

	var (
		total        int64
		positives    int64
		posWeighted  float64 // sum of indicator * exp(-lambda_pos * age)
		posWeightSum float64 // sum of exp(-lambda_pos * age)
		shortSum     float64
		longSum      float64
	)
	for _, f := range facts {
		age := asOf.Sub(eventTime(f)).Hours() / hoursPerDay
		if age < 0 {
			age = 0
		}
		// Capping bounds the numeric range of the weights; an ancient long
		// tail otherwise contributes denominators at machine precision.
		if age > p.AgeCapDays {
			age = p.AgeCapDays
		}

		total++
		if f.VotedUp {
			positives++
		}

		wPos := math.Exp(-lambdaPos * age)
		posWeightSum += wPos
		if f.VotedUp {
			posWeighted += wPos
		}
		shortSum += math.Exp(-lambdaShort * age)
		longSum += math.Exp(-lambdaLong * age)
	}

	m := model.EntityMetrics{
		AppID:         appID,
		AsOfDate:      asOf,
		TotalEvents:   total,
		HalfLifeShort: halves.Short,
		HalfLifeLong:  halves.Long,
		HalfLifePos:   halves.Pos,
		ComputedAt:    time.Now().UTC(),
	}

	if total > 0 {
		m.LifetimePositiveRatio = float64(positives) / float64(total)
		cult := m.LifetimePositiveRatio / math.Log(1+float64(total))
		m.CultScore = &cult
	}
	if posWeightSum > 0 {
		edp := posWeighted / posWeightSum
		m.EDPCurrent = &edp
	}
	if longSum > 0 {
		m.MomentumRatio = shortSum / longSum
	}
	return m
}
