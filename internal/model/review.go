// Package model defines the table shapes shared by the ledger, merger, and
// metrics layers: raw review landings, normalized review facts, and the
// per-app adaptive metrics derived from them.
package model

import (
	"encoding/json"
	"time"
)

// RawReview is one landing of a review payload in the append-only ledger.
// Rows are never mutated or deleted, and uniqueness is deliberately not
// enforced: the same (app, recommendation, hash) triple may land many times
// across ingestion runs. ObservedAt carries the upstream update timestamp
// when the payload has one; it is nil otherwise.
type RawReview struct {
	AppID            string          `json:"app_id"`
	RecommendationID string          `json:"recommendation_id"`
	ObservedAt       *time.Time      `json:"observed_at,omitempty"`
	IngestedAt       time.Time       `json:"ingested_at"`
	RunID            string          `json:"run_id"`
	ContentHash      string          `json:"content_hash"`
	Cursor           string          `json:"cursor,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

// EffectiveTime returns the best evidence of when the landing's content was
// current: the upstream update time when present, else the ingestion time.
func (r RawReview) EffectiveTime() time.Time {
	if r.ObservedAt != nil {
		return *r.ObservedAt
	}
	return r.IngestedAt
}

// ReviewFact is one normalized row per recommendation ID, flattened from the
// most authoritative landing of that review. Rows are replaced wholesale by
// the merger, never patched field by field.
type ReviewFact struct {
	RecommendationID string     `json:"recommendation_id"`
	AppID            string     `json:"app_id"`
	VotedUp          bool       `json:"voted_up"`
	ReviewText       string     `json:"review_text,omitempty"`
	Language         string     `json:"language,omitempty"`
	AuthorSteamID    string     `json:"author_steamid,omitempty"`
	PlaytimeForever  int64      `json:"playtime_forever_minutes"`
	VotesUp          int64      `json:"votes_up"`
	VotesFunny       int64      `json:"votes_funny"`
	WeightedScore    float64    `json:"weighted_vote_score"`
	SteamPurchase    bool       `json:"steam_purchase"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	RecordChangedAt  time.Time  `json:"record_changed_at"`
	IngestedAt       time.Time  `json:"ingested_at"`
	RunID            string     `json:"run_id"`
	ContentHash      string     `json:"content_hash"`
	// Deleted is a reserved tombstone flag. No producer sets it yet; the
	// merger writes false and the aggregator skips rows where it is true.
	Deleted bool `json:"deleted"`
}

// EntityWindow describes how long an app has been observed, relative to an
// as-of reference date.
type EntityWindow struct {
	AppID          string    `json:"app_id"`
	FirstEventAt   time.Time `json:"first_event_at"`
	LatestEventAt  time.Time `json:"latest_event_at"`
	LatestChangeAt time.Time `json:"latest_change_at"`
	// TenureDays is floored at 1.0 so brand-new apps never produce
	// degenerate half-lives.
	TenureDays float64 `json:"tenure_days"`
}

// HalfLives holds the three adaptive half-lives (in days) derived from an
// app's tenure. Decay rate for each is ln(2)/h.
type HalfLives struct {
	Short float64 `json:"half_life_short"`
	Long  float64 `json:"half_life_long"`
	Pos   float64 `json:"half_life_pos"`
}

// EntityMetrics is one per-app metrics snapshot for a given as-of date.
// EDPCurrent and CultScore are pointers because both are undefined (null)
// when their denominators are empty.
type EntityMetrics struct {
	AppID                 string    `json:"app_id"`
	AsOfDate              time.Time `json:"as_of_date"`
	TotalEvents           int64     `json:"total_events"`
	LifetimePositiveRatio float64   `json:"lifetime_positive_ratio"`
	EDPCurrent            *float64  `json:"edp_current,omitempty"`
	MomentumRatio         float64   `json:"momentum_ratio"`
	CultScore             *float64  `json:"cult_score,omitempty"`
	HalfLifeShort         float64   `json:"half_life_short"`
	HalfLifeLong          float64   `json:"half_life_long"`
	HalfLifePos           float64   `json:"half_life_pos"`
	ComputedAt            time.Time `json:"computed_at"`
}
