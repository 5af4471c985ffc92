// Package ingest replays JSONL review drops into the raw ledger. The
// upstream connector lands one JSON payload per line; the loader stamps each
// row with a load ID and ingestion time, computes its canonical content
// hash, and batch-appends to the store. It never updates or deletes.
package ingest

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/model"
)

// loadIDFormat orders load IDs lexicographically by time, which is what
// makes run_id usable as the final compaction tie-breaker.
const loadIDFormat = "20060102T150405"

// RawAppender is the ledger write surface the loader needs.
type RawAppender interface {
	AppendRaw(ctx context.Context, rows []model.RawReview) (int64, error)
}

// Options configures a Loader.
type Options struct {
	BatchSize int // rows per ledger append; default 500
	Workers   int // concurrent files; default 4
}

// Result summarizes one load run.
type Result struct {
	LoadID  string `json:"load_id"`
	Files   int    `json:"files"`
	Rows    int64  `json:"rows"`
	Skipped int64  `json:"skipped"`
}

// Loader replays review drops into the raw ledger.
type Loader struct {
	store  RawAppender
	runLog *ledger.RunLog
	opts   Options
}

// New creates a Loader. runLog may be nil.
func New(store RawAppender, runLog *ledger.RunLog, opts Options) *Loader {
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	return &Loader{store: store, runLog: runLog, opts: opts}
}

// LoadDir loads every *.jsonl file under dir.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Result, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: glob %s", dir)
	}
	if len(paths) == 0 {
		return nil, eris.Errorf("ingest: no .jsonl files in %s", dir)
	}
	sort.Strings(paths)
	return l.LoadFiles(ctx, paths)
}

// LoadFiles loads the given JSONL files concurrently. All files in one call
// share a single load ID and ingestion timestamp, mirroring how the
// connector scopes a fetch run.
func (l *Loader) LoadFiles(ctx context.Context, paths []string) (*Result, error) {
	log := zap.L().With(zap.String("component", "ingest"))

	ingestedAt := time.Now().UTC()
	res := &Result{LoadID: ingestedAt.Format(loadIDFormat), Files: len(paths)}

	var runID string
	if l.runLog != nil {
		var err error
		runID, err = l.runLog.Start(ctx, ledger.RunIngest)
		if err != nil {
			return nil, err
		}
	}

	var rows, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for _, path := range paths {
		g.Go(func() error {
			n, skip, err := l.loadFile(gctx, path, res.LoadID, ingestedAt)
			if err != nil {
				return err
			}
			rows.Add(n)
			skipped.Add(skip)
			return nil
		})
	}
	err := g.Wait()
	res.Rows = rows.Load()
	res.Skipped = skipped.Load()

	if l.runLog != nil && runID != "" {
		if err != nil {
			if logErr := l.runLog.Fail(ctx, runID, err.Error()); logErr != nil {
				log.Error("failed to record ingest failure", zap.Error(logErr))
			}
		} else {
			meta := map[string]any{
				ledger.MetaLoadID:  res.LoadID,
				ledger.MetaSkipped: res.Skipped,
			}
			if logErr := l.runLog.Complete(ctx, runID, res.Rows, meta); logErr != nil {
				log.Error("failed to record ingest completion", zap.Error(logErr))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	log.Info("load complete",
		zap.String("load_id", res.LoadID),
		zap.Int("files", res.Files),
		zap.Int64("rows", res.Rows),
		zap.Int64("skipped", res.Skipped),
	)
	return res, nil
}

func (l *Loader) loadFile(ctx context.Context, path, loadID string, ingestedAt time.Time) (rows, skipped int64, err error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("file", filepath.Base(path)))

	f, err := os.Open(path)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close()

	batch := make([]model.RawReview, 0, l.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := l.store.AppendRaw(ctx, batch); err != nil {
			return eris.Wrapf(err, "ingest: append batch from %s", path)
		}
		rows += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		raw, ok := parseLine(line, loadID, ingestedAt)
		if !ok {
			log.Warn("skipping row without identity", zap.Int("line", lineNo))
			skipped++
			continue
		}
		batch = append(batch, raw)

		if len(batch) >= l.opts.BatchSize {
			if err := flush(); err != nil {
				return rows, skipped, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return rows, skipped, eris.Wrapf(err, "ingest: read %s", path)
	}
	return rows, skipped, flush()
}

// parseLine extracts ledger identity columns from one payload line. Rows
// missing app or recommendation identity cannot be keyed and are skipped.
func parseLine(line []byte, loadID string, ingestedAt time.Time) (model.RawReview, bool) {
	var head struct {
		AppID            any    `json:"app_id"`
		RecommendationID any    `json:"recommendationid"`
		TimestampUpdated *int64 `json:"timestamp_updated"`
		Cursor           any    `json:"cursor"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return model.RawReview{}, false
	}

	appID := coerceString(head.AppID)
	recID := coerceString(head.RecommendationID)
	if appID == "" || recID == "" {
		return model.RawReview{}, false
	}

	payload := make(json.RawMessage, len(line))
	copy(payload, line)

	raw := model.RawReview{
		AppID:            appID,
		RecommendationID: recID,
		IngestedAt:       ingestedAt,
		RunID:            loadID,
		ContentHash:      ContentHash(payload),
		Cursor:           coerceString(head.Cursor),
		Payload:          payload,
	}
	if head.TimestampUpdated != nil && *head.TimestampUpdated > 0 {
		t := time.Unix(*head.TimestampUpdated, 0).UTC()
		raw.ObservedAt = &t
	}
	return raw, true
}

// ContentHash returns the SHA-256 of the payload in canonical form (object
// keys sorted), so the same logical payload hashes identically regardless of
// upstream key ordering.
func ContentHash(payload json.RawMessage) string {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}
	canonical, err := json.Marshal(v) // encoding/json sorts map keys
	if err != nil {
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func coerceString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return fmt.Sprintf("%v", x)
	default:
		return ""
	}
}
