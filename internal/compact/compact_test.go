package compact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func landing(rec, hash string, observed *time.Time, ingested time.Time, runID string) model.RawReview {
	return model.RawReview{
		AppID:            "570",
		RecommendationID: rec,
		ContentHash:      hash,
		ObservedAt:       observed,
		IngestedAt:       ingested,
		RunID:            runID,
		Payload:          []byte(`{}`),
	}
}

func ts(offset time.Duration) *time.Time {
	t := base.Add(offset)
	return &t
}

func TestLess_ObservedAtDominates(t *testing.T) {
	a := landing("r1", "h1", ts(0), base.Add(5*time.Hour), "20260301T120000")
	b := landing("r1", "h1", ts(time.Hour), base, "20260228T000000")

	// b has the later observed time even though it was ingested earlier.
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
}

func TestLess_IngestedAtFallback(t *testing.T) {
	// Neither landing carries an upstream timestamp; ingestion time decides.
	a := landing("r1", "h1", nil, base, "20260301T120000")
	b := landing("r1", "h1", nil, base.Add(time.Minute), "20260301T120100")

	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
}

func TestLess_RunIDBreaksFullTies(t *testing.T) {
	a := landing("r1", "h1", ts(0), base, "20260301T120000")
	b := landing("r1", "h1", ts(0), base, "20260301T130000")

	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	// Identical rows: neither ranks below the other.
	assert.False(t, Less(a, a))
}

func TestCompact_OneWinnerPerGroup(t *testing.T) {
	rows := []model.RawReview{
		landing("r1", "h1", ts(0), base, "20260301T120000"),
		landing("r1", "h1", ts(2*time.Hour), base.Add(2*time.Hour), "20260301T140000"),
		landing("r1", "h2", ts(time.Hour), base.Add(time.Hour), "20260301T130000"),
		landing("r2", "h3", nil, base, "20260301T120000"),
	}

	out := Compact(rows)
	require.Len(t, out, 3)

	// One group per (app, recommendation, hash); the r1/h1 group keeps the
	// later landing.
	assert.Equal(t, "r1", out[0].RecommendationID)
	assert.Equal(t, "h1", out[0].ContentHash)
	assert.Equal(t, "20260301T140000", out[0].RunID)
	assert.Equal(t, "h2", out[1].ContentHash)
	assert.Equal(t, "r2", out[2].RecommendationID)
}

func TestCompact_DeterministicAcrossInputOrder(t *testing.T) {
	rows := []model.RawReview{
		landing("r1", "h1", ts(0), base, "20260301T120000"),
		landing("r1", "h1", ts(0), base, "20260302T090000"),
		landing("r2", "h2", ts(time.Hour), base, "20260301T120000"),
	}
	reversed := []model.RawReview{rows[2], rows[1], rows[0]}

	assert.Equal(t, Compact(rows), Compact(reversed))
}

func TestCompact_Idempotent(t *testing.T) {
	rows := []model.RawReview{
		landing("r1", "h1", ts(0), base, "20260301T120000"),
		landing("r1", "h1", ts(3*time.Hour), base.Add(3*time.Hour), "20260301T150000"),
		landing("r2", "h2", nil, base, "20260301T120000"),
	}

	once := Compact(rows)
	assert.Equal(t, once, Compact(once))
}

func TestLatestByRecord_AcrossContentHashes(t *testing.T) {
	rows := Compact([]model.RawReview{
		landing("r1", "h1", ts(0), base, "20260301T120000"),
		landing("r1", "h2", ts(6*time.Hour), base.Add(6*time.Hour), "20260301T180000"),
		landing("r2", "h3", nil, base, "20260301T120000"),
	})

	latest := LatestByRecord(rows)
	require.Len(t, latest, 2)
	assert.Equal(t, "h2", latest["r1"].ContentHash)
	assert.Equal(t, "h3", latest["r2"].ContentHash)
}
