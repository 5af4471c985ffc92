// Package decay derives per-app adaptive half-lives from observed tenure and
// computes exponentially time-weighted review metrics with them. Young apps
// get short, responsive half-lives; long-lived apps get half-lives that
// stretch up to a clamp so a single recent review cannot dominate.
package decay

import (
	"math"
	"time"

	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

const hoursPerDay = 24.0

// HalfLifeParams tunes one half-life kind: h = clamp(Fraction*tenure, Min, Max).
type HalfLifeParams struct {
	Fraction float64 `yaml:"fraction" mapstructure:"fraction"`
	MinDays  float64 `yaml:"min_days" mapstructure:"min_days"`
	MaxDays  float64 `yaml:"max_days" mapstructure:"max_days"`
}

// Params holds the full decay tuning surface.
type Params struct {
	Short      HalfLifeParams `yaml:"short" mapstructure:"short"`
	Long       HalfLifeParams `yaml:"long" mapstructure:"long"`
	Pos        HalfLifeParams `yaml:"pos" mapstructure:"pos"`
	AgeCapDays float64        `yaml:"age_cap_days" mapstructure:"age_cap_days"`
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		Short:      HalfLifeParams{Fraction: 0.05, MinDays: 7, MaxDays: 30},
		Long:       HalfLifeParams{Fraction: 0.20, MinDays: 30, MaxDays: 180},
		Pos:        HalfLifeParams{Fraction: 0.10, MinDays: 30, MaxDays: 120},
		AgeCapDays: 365,
	}
}

// Window summarizes an app's observation window from its facts, relative to
// the as-of date. Tenure is floored at 1.0 day.
func Window(appID string, facts []model.ReviewFact, asOf time.Time) model.EntityWindow {
	w := model.EntityWindow{AppID: appID, TenureDays: 1.0}
	for i, f := range facts {
		t := eventTime(f)
		if i == 0 || t.Before(w.FirstEventAt) {
			w.FirstEventAt = t
		}
		if t.After(w.LatestEventAt) {
			w.LatestEventAt = t
		}
		if f.RecordChangedAt.After(w.LatestChangeAt) {
			w.LatestChangeAt = f.RecordChangedAt
		}
	}
	if !w.FirstEventAt.IsZero() {
		tenure := asOf.Sub(w.FirstEventAt).Hours() / hoursPerDay
		if tenure > 1.0 {
			w.TenureDays = tenure
		}
	}
	return w
}

// HalfLives computes the three clamped half-lives for a tenure.
func HalfLives(tenureDays float64, p Params) model.HalfLives {
	return model.HalfLives{
		Short: clamp(p.Short.Fraction*tenureDays, p.Short.MinDays, p.Short.MaxDays),
		Long:  clamp(p.Long.Fraction*tenureDays, p.Long.MinDays, p.Long.MaxDays),
		Pos:   clamp(p.Pos.Fraction*tenureDays, p.Pos.MinDays, p.Pos.MaxDays),
	}
}

// Lambda converts a half-life in days to a decay rate per day.
func Lambda(halfLifeDays float64) float64 {
	return math.Ln2 / halfLifeDays
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// eventTime is the timestamp a review decays from: creation time when the
// payload carried one, else ingestion time.
func eventTime(f model.ReviewFact) time.Time {
	if f.CreatedAt != nil {
		return *f.CreatedAt
	}
	return f.IngestedAt
}
