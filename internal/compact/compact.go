// Package compact collapses repeated ledger landings of the same logical
// review into one current version. The ranking is a pure comparator over
// grouped rows, so it is deterministic and storage-agnostic.
package compact

import (
	"sort"

	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

// Key identifies one distinct landing group in the raw ledger.
type Key struct {
	AppID            string
	RecommendationID string
	ContentHash      string
}

// KeyOf returns the compaction key for a raw landing.
func KeyOf(r model.RawReview) Key {
	return Key{AppID: r.AppID, RecommendationID: r.RecommendationID, ContentHash: r.ContentHash}
}

// Less reports whether a ranks below b in authority. The order is total:
// effective time (observed_at, else ingested_at) ascending, then ingested_at
// ascending, then run_id ascending. The most authoritative landing of a
// group is therefore its maximum under Less. Run IDs are lexicographically
// ordered load timestamps, so equal-timestamp ties still resolve the same
// way on every run.
func Less(a, b model.RawReview) bool {
	at, bt := a.EffectiveTime(), b.EffectiveTime()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.Before(b.IngestedAt)
	}
	return a.RunID < b.RunID
}

// Compact reduces raw landings to exactly one row per (app, recommendation,
// content hash) group, keeping the most authoritative landing of each.
// Output order is fixed by key so repeated runs over the same ledger
// snapshot yield identical results regardless of input order.
func Compact(rows []model.RawReview) []model.RawReview {
	winners := make(map[Key]model.RawReview, len(rows))
	for _, r := range rows {
		k := KeyOf(r)
		cur, ok := winners[k]
		if !ok || Less(cur, r) {
			winners[k] = r
		}
	}

	keys := make([]Key, 0, len(winners))
	for k := range winners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.AppID != b.AppID {
			return a.AppID < b.AppID
		}
		if a.RecommendationID != b.RecommendationID {
			return a.RecommendationID < b.RecommendationID
		}
		return a.ContentHash < b.ContentHash
	})

	out := make([]model.RawReview, 0, len(keys))
	for _, k := range keys {
		out = append(out, winners[k])
	}
	return out
}

// LatestByRecord reduces compacted landings further, to the single most
// authoritative landing per recommendation ID across content hashes. This is
// the merger's input: the fact table holds one row per recommendation,
// globally unique, flattened from exactly this landing.
func LatestByRecord(rows []model.RawReview) map[string]model.RawReview {
	latest := make(map[string]model.RawReview, len(rows))
	for _, r := range rows {
		cur, ok := latest[r.RecommendationID]
		if !ok || Less(cur, r) {
			latest[r.RecommendationID] = r
		}
	}
	return latest
}
