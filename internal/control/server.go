// Package control exposes the operator HTTP surface: on-demand cycles,
// status, halt/resume, shutdown, health and metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/engine"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/portfolio"
	"github.com/Rajchodisetti/premium-engine/internal/reconcile"
)

// Engine is the scheduler surface the handlers drive.
type Engine interface {
	TriggerScan(kind domain.Kind) error
	TriggerMonitor(kind domain.Kind) error
	Reconcile(ctx context.Context) (reconcile.Report, error)
	Shutdown()
	Status() engine.Status
}

type StatusSource interface {
	Refresh(ctx context.Context) (portfolio.Summary, error)
}

// Gate is the manual override side of the trading gate.
type Gate interface {
	ManualHalt(userID, reason string)
	Resume(userID, reason string)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Engine Engine
	Status StatusSource
	Gate   Gate
	Store  Pinger
}

type Server struct {
	deps   Deps
	router *mux.Router
	server *http.Server
}

func NewServer(addr string, d Deps) *Server {
	s := &Server{deps: d, router: mux.NewRouter()}
	s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router; tests serve it through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.logRequests)

	s.router.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/scan", s.scan).Methods(http.MethodPost)
	api.HandleFunc("/monitor", s.monitor).Methods(http.MethodPost)
	api.HandleFunc("/reconcile", s.reconcile).Methods(http.MethodPost)
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/halt", s.halt).Methods(http.MethodPost)
	api.HandleFunc("/resume", s.resume).Methods(http.MethodPost)
	api.HandleFunc("/shutdown", s.shutdown).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	observ.Log("control_server_starting", map[string]any{"addr": s.server.Addr})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	observ.Log("control_server_stopping", nil)
	return s.server.Shutdown(ctx)
}

type ctxKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		labels := map[string]string{"route": route, "method": r.Method, "code": fmt.Sprint(rec.status)}
		observ.IncCounter("control_requests_total", labels)
		observ.RecordDuration("control_request", time.Since(start), map[string]string{"route": route})
		if route != "/metrics" && route != "/healthz" {
			id, _ := r.Context().Value(ctxKey{}).(string)
			observ.Log("control_request", map[string]any{
				"request_id":  id,
				"method":      r.Method,
				"route":       route,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		}
	})
}

// kindParam reads ?kind=; empty means every enabled kind.
func kindParam(r *http.Request) (domain.Kind, error) {
	switch k := domain.Kind(r.URL.Query().Get("kind")); k {
	case "", domain.KindWheel, domain.KindSpread:
		return k, nil
	case "spread":
		return domain.KindSpread, nil
	default:
		return "", fmt.Errorf("unknown kind %q", k)
	}
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, what string, fn func(domain.Kind) error) {
	kind, err := kindParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := fn(kind); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrUnknownKind) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	all := string(kind)
	if all == "" {
		all = "all"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"triggered": what, "kind": all})
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, "scan", s.deps.Engine.TriggerScan)
}

func (s *Server) monitor(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, "monitor", s.deps.Engine.TriggerMonitor)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.Reconcile(r.Context())
	if err != nil {
		observ.Error("control_reconcile_failed", err, nil)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type statusResponse struct {
	Engine    engine.Status      `json:"engine"`
	Portfolio *portfolio.Summary `json:"portfolio,omitempty"`
	Error     string             `json:"portfolio_error,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Engine: s.deps.Engine.Status()}
	if s.deps.Status != nil {
		summary, err := s.deps.Status.Refresh(r.Context())
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Portfolio = &summary
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type overrideRequest struct {
	User   string `json:"user"`
	Reason string `json:"reason"`
}

func decodeOverride(r *http.Request) (overrideRequest, error) {
	var req overrideRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid body: %w", err)
		}
	}
	if req.User == "" {
		req.User = "operator"
	}
	return req, nil
}

func (s *Server) halt(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOverride(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.deps.Gate.ManualHalt(req.User, req.Reason)
	observ.Warn("manual_halt", map[string]any{"user": req.User, "reason": req.Reason})
	writeJSON(w, http.StatusOK, s.deps.Engine.Status().Gate)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOverride(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.deps.Gate.Resume(req.User, req.Reason)
	observ.Log("manual_resume", map[string]any{"user": req.User, "reason": req.Reason})
	writeJSON(w, http.StatusOK, s.deps.Engine.Status().Gate)
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting_down"})
	s.deps.Engine.Shutdown()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Error("control_encode_failed", err, nil)
	}
}
