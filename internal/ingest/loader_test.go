package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

type memAppender struct {
	mu      sync.Mutex
	rows    []model.RawReview
	batches int
}

func (m *memAppender) AppendRaw(ctx context.Context, rows []model.RawReview) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	m.batches++
	return int64(len(rows)), nil
}

func writeJSONL(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeJSONL(t, dir, "page1.jsonl",
		`{"app_id":"570","recommendationid":"r1","timestamp_updated":1700000000,"voted_up":true}`,
		`{"app_id":"570","recommendationid":"r2","voted_up":false}`,
	)
	writeJSONL(t, dir, "page2.jsonl",
		`{"app_id":730,"recommendationid":98765,"voted_up":true,"cursor":"AoIIP"}`,
	)

	app := &memAppender{}
	res, err := New(app, nil, Options{}).LoadDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Files)
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, int64(0), res.Skipped)
	assert.NotEmpty(t, res.LoadID)
	require.Len(t, app.rows, 3)

	byRec := map[string]model.RawReview{}
	for _, r := range app.rows {
		byRec[r.RecommendationID] = r
		// One load: every row shares the load ID and ingestion time.
		assert.Equal(t, res.LoadID, r.RunID)
		assert.NotEmpty(t, r.ContentHash)
	}

	r1 := byRec["r1"]
	assert.Equal(t, "570", r1.AppID)
	require.NotNil(t, r1.ObservedAt)
	assert.Equal(t, int64(1700000000), r1.ObservedAt.Unix())

	// No upstream timestamp: observed_at stays null, ingestion time decides.
	assert.Nil(t, byRec["r2"].ObservedAt)

	// Numeric identity fields are coerced to strings.
	numeric := byRec["98765"]
	assert.Equal(t, "730", numeric.AppID)
	assert.Equal(t, "AoIIP", numeric.Cursor)
}

func TestLoader_SkipsRowsWithoutIdentity(t *testing.T) {
	dir := t.TempDir()
	path := writeJSONL(t, dir, "mixed.jsonl",
		`{"app_id":"570","recommendationid":"r1","voted_up":true}`,
		`{"recommendationid":"no-app","voted_up":true}`,
		`{"app_id":"570","voted_up":true}`,
		`not json at all`,
		``,
	)

	app := &memAppender{}
	res, err := New(app, nil, Options{}).LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Rows)
	assert.Equal(t, int64(3), res.Skipped)
	require.Len(t, app.rows, 1)
	assert.Equal(t, "r1", app.rows[0].RecommendationID)
}

func TestLoader_BatchFlush(t *testing.T) {
	dir := t.TempDir()
	lines := make([]string, 5)
	for i := range lines {
		lines[i] = `{"app_id":"570","recommendationid":"r` + string(rune('a'+i)) + `","voted_up":true}`
	}
	path := writeJSONL(t, dir, "batch.jsonl", lines...)

	app := &memAppender{}
	res, err := New(app, nil, Options{BatchSize: 2}).LoadFiles(context.Background(), []string{path})
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.Rows)
	assert.Equal(t, 3, app.batches)
}

func TestLoader_EmptyDir(t *testing.T) {
	_, err := New(&memAppender{}, nil, Options{}).LoadDir(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestContentHash_CanonicalAcrossKeyOrder(t *testing.T) {
	a := ContentHash([]byte(`{"voted_up":true,"review":"good","votes_up":3}`))
	b := ContentHash([]byte(`{"votes_up":3,"voted_up":true,"review":"good"}`))
	c := ContentHash([]byte(`{"votes_up":4,"voted_up":true,"review":"good"}`))

	assert.Equal(t, a, b, "key order must not change the hash")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestContentHash_NonJSONFallsBackToRawBytes(t *testing.T) {
	a := ContentHash([]byte(`not json`))
	b := ContentHash([]byte(`not json`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
