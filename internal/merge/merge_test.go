package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
	"github.com/picklesueat/Steam-Review-Analytics/internal/store"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// reviewLanding builds a raw landing whose payload flattens cleanly. The
// payload's timestamp_updated doubles as observed_at, like the loader does.
func reviewLanding(appID, recID string, updated time.Time, votedUp bool, ingested time.Time, runID string) model.RawReview {
	payload := fmt.Sprintf(
		`{"recommendationid":%q,"voted_up":%t,"timestamp_created":%d,"timestamp_updated":%d,"language":"english"}`,
		recID, votedUp, updated.Add(-24*time.Hour).Unix(), updated.Unix(),
	)
	observed := updated
	return model.RawReview{
		AppID:            appID,
		RecommendationID: recID,
		ObservedAt:       &observed,
		IngestedAt:       ingested,
		RunID:            runID,
		ContentHash:      fmt.Sprintf("%s-%d", recID, updated.Unix()),
		Payload:          []byte(payload),
	}
}

func TestMerger_FirstRunInsertsEverything(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.Add(-time.Hour), true, now, "20260301T120000"),
		reviewLanding("570", "r2", now.AddDate(-1, 0, 0), false, now, "20260301T120000"),
	})
	require.NoError(t, err)

	res, err := New(st, nil, Options{}).Run(ctx)
	require.NoError(t, err)

	// The year-old review is a first-time key; no window excludes it.
	assert.Equal(t, int64(2), res.Inserted)
	assert.Equal(t, int64(0), res.Updated)
	assert.Empty(t, res.Malformed)
	assert.True(t, res.PreviousWatermark.IsZero())
	assert.WithinDuration(t, now.Add(-time.Hour), res.Watermark, time.Second)

	facts, err := st.ListFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 2)
}

func TestMerger_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.Add(-time.Hour), true, now, "20260301T120000"),
	})
	require.NoError(t, err)

	m := New(st, nil, Options{})
	first, err := m.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Inserted)

	factsBefore, err := st.ListFacts(ctx)
	require.NoError(t, err)

	// Re-running over the same ledger re-selects the in-window key and
	// replaces it with identical content.
	second, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Inserted)
	assert.Equal(t, int64(1), second.Updated)
	assert.Equal(t, first.Watermark, second.Watermark)

	factsAfter, err := st.ListFacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, factsBefore, factsAfter)
}

func TestMerger_LateArrivalReplacesFact(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.Add(-time.Hour), false, now, "20260301T120000"),
	})
	require.NoError(t, err)

	m := New(st, nil, Options{})
	_, err = m.Run(ctx)
	require.NoError(t, err)

	// The author flips the review; a fresher landing arrives.
	_, err = st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.Add(time.Hour), true, now.Add(2*time.Hour), "20260301T140000"),
	})
	require.NoError(t, err)

	res, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Updated)

	facts, err := st.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.True(t, facts[0].VotedUp)
	assert.Equal(t, "20260301T140000", facts[0].RunID)
}

func TestMerger_WindowExcludesStaleKnownKeys(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.AddDate(0, 0, -10), true, now.AddDate(0, 0, -10), "20260219T120000"),
	})
	require.NoError(t, err)

	m := New(st, nil, Options{})
	_, err = m.Run(ctx)
	require.NoError(t, err)

	// A fresh key pushes the watermark forward until r1's landings all fall
	// behind the trailing window.
	_, err = st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r2", now, true, now, "20260301T120000"),
	})
	require.NoError(t, err)
	_, err = m.Run(ctx)
	require.NoError(t, err)

	// A stale duplicate of the known key r1 lands outside the window; the
	// incremental path must not reprocess it.
	_, err = st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.AddDate(0, 0, -30), false, now.Add(time.Hour), "20260301T130000"),
	})
	require.NoError(t, err)

	res, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Inserted)
	assert.Equal(t, int64(0), res.Updated)

	facts, err := st.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.True(t, facts[0].VotedUp, "stale landing must not replace the current fact")

	// A full rescan considers it, but compaction still ranks the newer
	// landing as the winner.
	full, err := New(st, nil, Options{TrailingWindow: Window(-1)}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), full.Updated)

	facts, err = st.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.True(t, facts[0].VotedUp)
}

func TestMerger_ExplicitZeroWindow(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now, true, now, "20260301T120000"),
	})
	require.NoError(t, err)

	_, err = New(st, nil, Options{TrailingWindow: Window(0)}).Run(ctx)
	require.NoError(t, err)

	// A duplicate an hour behind the watermark sits inside the default
	// 48h window but outside a zero-width one; an explicit zero must not
	// be widened to the default.
	_, err = st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.Add(-time.Hour), false, now.Add(time.Minute), "20260301T120100"),
	})
	require.NoError(t, err)

	res, err := New(st, nil, Options{TrailingWindow: Window(0)}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Inserted)
	assert.Equal(t, int64(0), res.Updated)

	// A nil window still means the default.
	wide, err := New(st, nil, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wide.Updated)

	facts, err := st.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.True(t, facts[0].VotedUp)
}

func TestMerger_MalformedPayloadExcludedNotFatal(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bad := model.RawReview{
		AppID:            "570",
		RecommendationID: "broken",
		IngestedAt:       now,
		RunID:            "20260301T120000",
		ContentHash:      "bad",
		Payload:          []byte(`{"review":"no verdict field"}`),
	}
	_, err := st.AppendRaw(ctx, []model.RawReview{
		bad,
		reviewLanding("570", "r1", now.Add(-time.Hour), true, now, "20260301T120000"),
	})
	require.NoError(t, err)

	res, err := New(st, nil, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	require.Len(t, res.Malformed, 1)
	assert.Equal(t, "broken", res.Malformed[0].RecommendationID)

	facts, err := st.ListFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestMerger_WatermarkNeverRegresses(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now, true, now, "20260301T120000"),
	})
	require.NoError(t, err)

	m := New(st, nil, Options{})
	first, err := m.Run(ctx)
	require.NoError(t, err)
	require.WithinDuration(t, now, first.Watermark, time.Second)

	// A first-time key arriving with purely historical timestamps computes
	// a batch max below the stored watermark.
	_, err = st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r-old", now.AddDate(0, -6, 0), true, now.Add(time.Hour), "20260301T130000"),
	})
	require.NoError(t, err)

	res, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.WithinDuration(t, first.Watermark, res.Watermark, time.Second, "watermark must hold, not move backwards")
}

func TestMerger_RecordsRunLog(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.AppendRaw(ctx, []model.RawReview{
		reviewLanding("570", "r1", now.Add(-time.Hour), true, now, "20260301T120000"),
	})
	require.NoError(t, err)

	runLog := ledger.NewRunLog(st)
	res, err := New(st, runLog, Options{}).Run(ctx)
	require.NoError(t, err)

	entries, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.RunMerge, entries[0].Kind)
	assert.Equal(t, ledger.RunComplete, entries[0].Status)
	assert.Equal(t, int64(1), entries[0].Rows)

	// The advisory watermark in the run log matches the run result.
	last, err := runLog.LastWatermark(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, res.Watermark, last, time.Second)
}

func TestMerger_EmptyLedgerIsNoop(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	res, err := New(st, nil, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Inserted)
	assert.True(t, res.Watermark.IsZero())
}
