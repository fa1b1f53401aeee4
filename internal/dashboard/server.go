package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tide-short-bot/internal/state"
)

const defaultRecentOrders = 50

// StateProvider is the read-only view the dashboard serves. There is no
// write path back into decision state.
type StateProvider interface {
	Snapshot() []state.PositionRecord
	PortfolioSnapshot() state.PortfolioSnapshot
	UnrealizedTotal() float64
	Healthy() bool
}

type Server struct {
	provider StateProvider
	store    state.Store
	metrics  http.Handler
	log      *zap.Logger
	srv      *http.Server
}

func New(addr string, provider StateProvider, store state.Store, metricsHandler http.Handler, log *zap.Logger) *Server {
	s := &Server{
		provider: provider,
		store:    store,
		metrics:  metricsHandler,
		log:      log,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/pnl", s.handlePnL).Methods(http.MethodGet)
	r.HandleFunc("/api/orders/recent", s.handleRecentOrders).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.provider.Snapshot())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, ok, err := state.LoadCycleSummary(r.Context(), s.store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no cycle summary yet", http.StatusNotFound)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.PortfolioSnapshot()
	writeJSON(w, map[string]any{
		"equity_usd":       snap.EquityUSD,
		"gross_exposure":   snap.GrossExposure,
		"unrealized_total": s.provider.UnrealizedTotal(),
		"positions":        snap.Positions,
		"updated_at_ms":    snap.UpdatedAtMS,
	})
}

func (s *Server) handleRecentOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentOrders
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	orders, err := state.RecentOrders(r.Context(), s.store, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, orders)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.provider.Healthy() {
		http.Error(w, "position state corrupt", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
