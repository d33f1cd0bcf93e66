package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inSight-mk1/DWAD/internal/checkpoint"
	"github.com/inSight-mk1/DWAD/internal/quote"
	"github.com/inSight-mk1/DWAD/internal/store"
	"github.com/inSight-mk1/DWAD/pkg/config"
	"github.com/inSight-mk1/DWAD/pkg/logger"
)

// Server exposes a read-only HTTP view over the store: sync status, run
// history, the symbol registry, per-symbol series and realtime quotes.
type Server struct {
	store  *store.Store
	ckpt   *checkpoint.Store
	quotes *quote.Service
	cfg    *config.DashboardConfig
	logger *logrus.Entry

	httpServer *http.Server
}

// NewServer wires the dashboard routes.
func NewServer(st *store.Store, ckpt *checkpoint.Store, quotes *quote.Service, cfg *config.DashboardConfig, log *logrus.Logger) *Server {
	s := &Server{
		store:  st,
		ckpt:   ckpt,
		quotes: quotes,
		cfg:    cfg,
		logger: log.WithField("component", "dashboard"),
	}

	r := mux.NewRouter()
	r.Use(logger.Middleware(log))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/symbols", s.handleSymbols).Methods(http.MethodGet)
	api.HandleFunc("/symbols/{symbol}/bars", s.handleBars).Methods(http.MethodGet)
	api.HandleFunc("/quotes", s.handleQuotes).Methods(http.MethodGet)

	var handler http.Handler = r
	if cfg.CORSEnabled {
		handler = handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(handler)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Dashboard listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports store aggregates, the most recent run and whether an
// interrupted run is waiting to be resumed.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	latest, err := s.store.LatestUpdate(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	cp, err := s.ckpt.Load(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]interface{}{
		"store":      stats,
		"latest_run": latest,
	}
	if cp != nil {
		resp["interrupted_run"] = map[string]interface{}{
			"run_id":         cp.RunID,
			"mode":           cp.Mode,
			"done":           len(cp.Done),
			"failed":         len(cp.Failed),
			"remaining":      len(cp.Remaining()),
			"last_heartbeat": cp.LastHeartbeat,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	entries, err := s.store.ListUpdates(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": entries})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.LoadSymbolInfo(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(symbols),
		"symbols": symbols,
	})
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	series, err := s.store.ReadSeries(symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("no series for %s", symbol))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	bars := series.Bars
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from date %q", raw))
			return
		}
		for len(bars) > 0 && bars[0].Date.Before(from) {
			bars = bars[1:]
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to date %q", raw))
			return
		}
		for len(bars) > 0 && bars[len(bars)-1].Date.After(to) {
			bars = bars[:len(bars)-1]
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":       series.Symbol,
		"adjust_basis": series.AdjustBasis,
		"count":        len(bars),
		"bars":         bars,
	})
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("symbols query parameter is required"))
		return
	}
	symbols := strings.Split(raw, ",")
	if len(symbols) > 100 {
		s.writeError(w, http.StatusBadRequest, errors.New("at most 100 symbols per request"))
		return
	}

	quotes, err := s.quotes.Snapshot(r.Context(), symbols)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quotes": quotes})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
