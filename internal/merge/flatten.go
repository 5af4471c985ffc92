package merge

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

// reviewPayload mirrors the Steam review payload fields the fact table keeps.
// Numeric fields arrive inconsistently typed across API versions, so the
// flexible ones decode untyped and are coerced afterwards.
type reviewPayload struct {
	RecommendationID string `json:"recommendationid"`
	Language         string `json:"language"`
	Review           string `json:"review"`
	TimestampCreated *int64 `json:"timestamp_created"`
	TimestampUpdated *int64 `json:"timestamp_updated"`
	VotedUp          *bool  `json:"voted_up"`
	VotesUp          int64  `json:"votes_up"`
	VotesFunny       int64  `json:"votes_funny"`
	WeightedScore    any    `json:"weighted_vote_score"`
	SteamPurchase    bool   `json:"steam_purchase"`
	Author           struct {
		SteamID         string `json:"steamid"`
		PlaytimeForever int64  `json:"playtime_forever"`
	} `json:"author"`
}

// Flatten derives a fully typed fact row from the most authoritative landing
// of a review. It fails with a MalformedPayload-class error when the payload
// cannot be decoded or lacks the positive/negative indicator; such keys are
// excluded from the batch, never fatal to the run.
func Flatten(raw model.RawReview) (model.ReviewFact, error) {
	var p reviewPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return model.ReviewFact{}, eris.Wrapf(err, "merge: decode payload for %s", raw.RecommendationID)
	}
	if p.VotedUp == nil {
		return model.ReviewFact{}, eris.Errorf("merge: payload for %s missing voted_up", raw.RecommendationID)
	}

	fact := model.ReviewFact{
		RecommendationID: raw.RecommendationID,
		AppID:            raw.AppID,
		VotedUp:          *p.VotedUp,
		ReviewText:       p.Review,
		Language:         p.Language,
		AuthorSteamID:    p.Author.SteamID,
		PlaytimeForever:  p.Author.PlaytimeForever,
		VotesUp:          p.VotesUp,
		VotesFunny:       p.VotesFunny,
		WeightedScore:    coerceFloat(p.WeightedScore),
		SteamPurchase:    p.SteamPurchase,
		CreatedAt:        epochTime(p.TimestampCreated),
		UpdatedAt:        epochTime(p.TimestampUpdated),
		IngestedAt:       raw.IngestedAt,
		RunID:            raw.RunID,
		ContentHash:      raw.ContentHash,
		Deleted:          false,
	}
	fact.RecordChangedAt = recordChangedAt(fact)
	return fact, nil
}

// recordChangedAt is the best available evidence of last real-world change:
// update time, else creation time, else ingestion time.
func recordChangedAt(f model.ReviewFact) time.Time {
	if f.UpdatedAt != nil {
		return *f.UpdatedAt
	}
	if f.CreatedAt != nil {
		return *f.CreatedAt
	}
	return f.IngestedAt
}

func epochTime(epoch *int64) *time.Time {
	if epoch == nil || *epoch <= 0 {
		return nil
	}
	t := time.Unix(*epoch, 0).UTC()
	return &t
}

// coerceFloat tolerates the weighted score arriving as a float, a string, or
// being absent entirely.
func coerceFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
