package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

func rawWith(payload string) model.RawReview {
	return model.RawReview{
		AppID:            "570",
		RecommendationID: "r1",
		IngestedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RunID:            "20260301T120000",
		ContentHash:      "abc",
		Payload:          []byte(payload),
	}
}

func TestFlatten_FullPayload(t *testing.T) {
	raw := rawWith(`{
		"recommendationid": "r1",
		"language": "english",
		"review": "still the best",
		"timestamp_created": 1700000000,
		"timestamp_updated": 1700100000,
		"voted_up": true,
		"votes_up": 12,
		"votes_funny": 3,
		"weighted_vote_score": "0.713",
		"steam_purchase": true,
		"author": {"steamid": "7656119", "playtime_forever": 5400}
	}`)

	fact, err := Flatten(raw)
	require.NoError(t, err)

	assert.Equal(t, "r1", fact.RecommendationID)
	assert.Equal(t, "570", fact.AppID)
	assert.True(t, fact.VotedUp)
	assert.Equal(t, "english", fact.Language)
	assert.Equal(t, "still the best", fact.ReviewText)
	assert.Equal(t, "7656119", fact.AuthorSteamID)
	assert.Equal(t, int64(5400), fact.PlaytimeForever)
	assert.Equal(t, int64(12), fact.VotesUp)
	assert.Equal(t, int64(3), fact.VotesFunny)
	assert.InDelta(t, 0.713, fact.WeightedScore, 1e-9)
	assert.True(t, fact.SteamPurchase)

	require.NotNil(t, fact.CreatedAt)
	require.NotNil(t, fact.UpdatedAt)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *fact.CreatedAt)
	assert.Equal(t, *fact.UpdatedAt, fact.RecordChangedAt)
	assert.Equal(t, raw.RunID, fact.RunID)
	assert.Equal(t, raw.ContentHash, fact.ContentHash)
	assert.False(t, fact.Deleted)
}

func TestFlatten_NumericWeightedScore(t *testing.T) {
	fact, err := Flatten(rawWith(`{"voted_up": false, "weighted_vote_score": 0.42}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.42, fact.WeightedScore, 1e-9)
	assert.False(t, fact.VotedUp)
}

func TestFlatten_RecordChangedAtFallbacks(t *testing.T) {
	t.Run("created when no update", func(t *testing.T) {
		fact, err := Flatten(rawWith(`{"voted_up": true, "timestamp_created": 1700000000}`))
		require.NoError(t, err)
		assert.Nil(t, fact.UpdatedAt)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), fact.RecordChangedAt)
	})

	t.Run("ingested when no timestamps at all", func(t *testing.T) {
		fact, err := Flatten(rawWith(`{"voted_up": true}`))
		require.NoError(t, err)
		assert.Nil(t, fact.CreatedAt)
		assert.Equal(t, fact.IngestedAt, fact.RecordChangedAt)
	})

	t.Run("zero epoch treated as absent", func(t *testing.T) {
		fact, err := Flatten(rawWith(`{"voted_up": true, "timestamp_created": 0}`))
		require.NoError(t, err)
		assert.Nil(t, fact.CreatedAt)
		assert.Equal(t, fact.IngestedAt, fact.RecordChangedAt)
	})
}

func TestFlatten_Malformed(t *testing.T) {
	t.Run("undecodable payload", func(t *testing.T) {
		_, err := Flatten(rawWith(`{not json`))
		assert.Error(t, err)
	})

	t.Run("missing voted_up", func(t *testing.T) {
		_, err := Flatten(rawWith(`{"review": "no verdict"}`))
		assert.Error(t, err)
	})

	t.Run("unparseable weighted score is zero, not an error", func(t *testing.T) {
		fact, err := Flatten(rawWith(`{"voted_up": true, "weighted_vote_score": "n/a"}`))
		require.NoError(t, err)
		assert.Zero(t, fact.WeightedScore)
	})
}
