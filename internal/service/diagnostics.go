package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"Breakwater/internal/biz"
	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// remoteReadTimeout bounds the best-effort shared-store lookups performed
// while building a diagnostics response.
const remoteReadTimeout = 300 * time.Millisecond

// BreakerView pairs a dependency's local breaker snapshot with the shared
// store's record, when one could be fetched.
type BreakerView struct {
	model.BreakerStats
	Remote *model.BreakerRecord `json:"remote,omitempty"`
}

// BreakersResponse is the payload of the breaker diagnostics endpoint.
type BreakersResponse struct {
	Breakers []BreakerView  `json:"breakers"`
	Sync     biz.SyncStatus `json:"sync"`
}

// BulkheadsResponse is the payload of the bulkhead diagnostics endpoint.
type BulkheadsResponse struct {
	Bulkheads []model.BulkheadStats `json:"bulkheads"`
}

// DiagnosticsService exposes the resilience layer's state over HTTP for
// operators. Read-only except for the manual breaker reset.
type DiagnosticsService struct {
	mgr    *biz.ResilienceManager
	store  biz.StateStore
	syncer *biz.StateSyncer
	logger *log.Helper
}

// NewDiagnosticsService creates a new DiagnosticsService instance.
func NewDiagnosticsService(mgr *biz.ResilienceManager, store biz.StateStore, syncer *biz.StateSyncer, logger log.Logger) *DiagnosticsService {
	return &DiagnosticsService{
		mgr:    mgr,
		store:  store,
		syncer: syncer,
		logger: log.NewHelper(logger),
	}
}

// ListBreakers returns every registered breaker's local snapshot merged with
// the shared store's view. Store reads are best-effort: a store outage
// degrades the response to local-only data, never to an error.
func (s *DiagnosticsService) ListBreakers(ctx context.Context) *BreakersResponse {
	stats := s.mgr.GetAllStats()
	views := make([]BreakerView, 0, len(stats))
	for _, st := range stats {
		view := BreakerView{BreakerStats: st}

		readCtx, cancel := context.WithTimeout(ctx, remoteReadTimeout)
		rec, err := s.store.GetBreakerRecord(readCtx, st.Dependency)
		cancel()
		if err != nil {
			s.logger.Debugw("remote record unavailable for diagnostics",
				"dependency", st.Dependency,
				"error", err)
		} else {
			view.Remote = rec
		}
		views = append(views, view)
	}

	return &BreakersResponse{
		Breakers: views,
		Sync:     s.syncer.Status(),
	}
}

// ListBulkheads returns every registered bulkhead's snapshot.
func (s *DiagnosticsService) ListBulkheads() *BulkheadsResponse {
	return &BulkheadsResponse{Bulkheads: s.mgr.GetAllBulkheadStats()}
}

// ResetBreaker returns a dependency's breaker to the closed state. Returns
// false for names that were never registered.
func (s *DiagnosticsService) ResetBreaker(name string) bool {
	if _, ok := s.mgr.StatsFor(name); !ok {
		return false
	}
	s.logger.Infow("manual circuit breaker reset requested", "dependency", name)
	s.mgr.Reset(name)
	return true
}

// HandleListBreakers serves GET /debug/resilience/breakers.
func (s *DiagnosticsService) HandleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ListBreakers(r.Context()))
}

// HandleListBulkheads serves GET /debug/resilience/bulkheads.
func (s *DiagnosticsService) HandleListBulkheads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ListBulkheads())
}

// HandleResetBreaker serves POST /debug/resilience/reset?dependency=name.
func (s *DiagnosticsService) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	name := r.URL.Query().Get("dependency")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dependency query parameter is required"})
		return
	}
	if !s.ResetBreaker(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown dependency: " + name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dependency": name, "state": model.StateClosed})
}

// HandleHealthz serves GET /healthz. The process is healthy as long as it
// can respond; a degraded sync layer is reported but does not fail the check.
func (s *DiagnosticsService) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.syncer.Status()
	body := map[string]any{
		"status":     "ok",
		"instanceId": status.InstanceID,
		"degraded":   status.Degraded,
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
