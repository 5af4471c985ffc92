package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/picklesueat/Steam-Review-Analytics/internal/decay"
	"github.com/picklesueat/Steam-Review-Analytics/internal/ledger"
	"github.com/picklesueat/Steam-Review-Analytics/internal/merge"
	"github.com/picklesueat/Steam-Review-Analytics/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the metrics API over HTTP",
	Long: `Serve the computed metrics and run log over a read-mostly HTTP API.

CORS is open so BI tools and dashboards can query snapshots directly.
POST /v1/runs/merge and /v1/runs/metrics trigger pipeline runs; they are
serialized so only one run mutates the warehouse at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "serve: migrate")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newAPIRouter(st),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "serve: listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newAPIRouter builds the HTTP API over an open store.
func newAPIRouter(st store.Store) http.Handler {
	api := &apiServer{store: st, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", api.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics", api.handleMetrics)
		r.Get("/apps/{appID}/metrics", api.handleAppMetrics)
		r.Get("/runs", api.handleRuns)
		r.Post("/runs/merge", api.handleRunMerge)
		r.Post("/runs/metrics", api.handleRunMetrics)
	})
	return r
}

type apiServer struct {
	store   store.Store
	started time.Time

	// runMu serializes merge and metrics runs triggered over HTTP.
	runMu sync.Mutex
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Seconds(),
	})
}

// handleMetrics returns every app's snapshot for a date. as_of defaults to
// the most recent snapshot date on record for each app.
func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	asOf, ok := parseAsOf(w, r)
	if !ok {
		return
	}
	snapshots, err := s.store.MetricsAsOf(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": snapshots})
}

func (s *apiServer) handleAppMetrics(w http.ResponseWriter, r *http.Request) {
	asOf, ok := parseAsOf(w, r)
	if !ok {
		return
	}
	appID := chi.URLParam(r, "appID")
	snapshot, err := s.store.MetricsForApp(r.Context(), appID, asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snapshot == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("no metrics for app %s", appID),
		})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": entries})
}

func (s *apiServer) handleRunMerge(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var req struct {
		WindowDays *float64 `json:"window_days"`
		Full       bool     `json:"full"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	opts := merge.Options{TrailingWindow: merge.Window(time.Duration(cfg.Merge.TrailingWindowDays * 24 * float64(time.Hour)))}
	if req.Full {
		opts.TrailingWindow = merge.Window(-1)
	} else if req.WindowDays != nil {
		opts.TrailingWindow = merge.Window(time.Duration(*req.WindowDays * 24 * float64(time.Hour)))
	}

	res, err := merge.New(s.store, ledger.NewRunLog(s.store), opts).Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var req struct {
		AsOf  string `json:"as_of"`
		AppID string `json:"app_id"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		var err error
		asOf, err = time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid as_of %q, want YYYY-MM-DD", req.AsOf),
			})
			return
		}
	}

	runLog := ledger.NewRunLog(s.store)
	runID, err := runLog.Start(r.Context(), ledger.RunMetrics)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	agg := decay.NewAggregator(s.store, s.store, cfg.Decay.Params(), cfg.Decay.Workers)
	snapshots, err := agg.Run(r.Context(), asOf, req.AppID)
	if err != nil {
		if logErr := runLog.Fail(r.Context(), runID, err.Error()); logErr != nil {
			zap.L().Error("failed to record metrics failure", zap.Error(logErr))
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := runLog.Complete(r.Context(), runID, int64(len(snapshots)), map[string]any{
		ledger.MetaAsOf: asOf.Format("2006-01-02"),
	}); err != nil {
		zap.L().Error("failed to record metrics completion", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"as_of":   asOf.Format("2006-01-02"),
		"apps":    len(snapshots),
		"metrics": snapshots,
	})
}

// parseAsOf reads the optional as_of query parameter. A missing parameter
// means "latest", signalled to the store as the zero time.
func parseAsOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return time.Time{}, true
	}
	asOf, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid as_of %q, want YYYY-MM-DD", raw),
		})
		return time.Time{}, false
	}
	return asOf, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
