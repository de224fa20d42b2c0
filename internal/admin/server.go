// Package admin serves the management plane on its own listener: route
// CRUD, breaker and instance health snapshots, trace lookup, token
// revocation, and Prometheus exposition.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/circuitbreaker"
	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/health"
	"github.com/portcullis-proxy/portcullis/internal/logging"
	"github.com/portcullis-proxy/portcullis/internal/metrics"
	"github.com/portcullis-proxy/portcullis/internal/route"
	"github.com/portcullis-proxy/portcullis/internal/trace"
)

// TokenRevoker adds a token id to the revocation set.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string) error
}

// Options wires the admin plane's data sources. Checker and Revoker may
// be nil; their endpoints then report unavailability.
type Options struct {
	Routes    *route.Store
	Breakers  *circuitbreaker.Registry
	Checker   *health.Checker
	Recorder  *trace.Recorder
	Collector *metrics.Collector
	Revoker   TokenRevoker
}

// Server is the admin listener.
type Server struct {
	opts Options
	srv  *http.Server
}

// NewServer builds the admin server on cfg.AdminListen.
func NewServer(cfg config.ServerConfig, opts Options) *Server {
	s := &Server{opts: opts}
	s.srv = &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           s.handler(),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /routes", s.handleRoutes)
	mux.HandleFunc("GET /routes/{id}", s.handleGetRoute)
	mux.HandleFunc("PUT /routes/{id}", s.handlePutRoute)
	mux.HandleFunc("DELETE /routes/{id}", s.handleDeleteRoute)
	mux.HandleFunc("POST /routes/{id}/status", s.handleRouteStatus)
	mux.HandleFunc("GET /circuit-breakers", s.handleBreakers)
	mux.HandleFunc("GET /traces/stats", s.handleTraceStats)
	mux.HandleFunc("GET /traces/active", s.handleActiveTraces)
	mux.HandleFunc("GET /traces/{id}", s.handleGetTrace)
	mux.HandleFunc("POST /tokens/revoke", s.handleRevokeToken)
	if s.opts.Collector != nil {
		mux.Handle("GET /metrics", s.opts.Collector.Handler())
	}
	return mux
}

// ListenAndServe blocks serving the admin API.
func (s *Server) ListenAndServe() error {
	logging.Info("admin listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the admin listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "UP"}
	if s.opts.Checker != nil {
		resp["instances"] = s.opts.Checker.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Routes.Snapshot()
	defs := make([]route.Definition, 0, len(snap.Routes))
	for _, rt := range snap.Routes {
		defs = append(defs, rt.Definition)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version,
		"routes":  defs,
	})
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	rt := s.opts.Routes.Snapshot().Get(r.PathValue("id"))
	if rt == nil {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, rt.Definition)
}

func (s *Server) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	var def route.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid route definition: "+err.Error())
		return
	}
	def.ID = r.PathValue("id")
	if err := s.opts.Routes.Put(def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logging.Info("route upserted", zap.String("route", def.ID))
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.opts.Routes.Delete(id) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if s.opts.Breakers != nil {
		s.opts.Breakers.Remove(id)
	}
	logging.Info("route deleted", zap.String("route", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRouteStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status route.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status body")
		return
	}
	switch body.Status {
	case route.StatusActive, route.StatusInactive, route.StatusDisabled, route.StatusMaintenance:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	id := r.PathValue("id")
	if !s.opts.Routes.SetStatus(id, body.Status) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	logging.Info("route status changed",
		zap.String("route", id), zap.String("status", string(body.Status)))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": body.Status})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Breakers.Snapshots())
}

func (s *Server) handleTraceStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Recorder.Stats())
}

func (s *Server) handleActiveTraces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Recorder.Active())
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.opts.Recorder.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if s.opts.Revoker == nil {
		writeError(w, http.StatusServiceUnavailable, "revocation store not configured")
		return
	}
	var body struct {
		TokenID string `json:"token_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TokenID == "" {
		writeError(w, http.StatusBadRequest, "token_id required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.opts.Revoker.Revoke(ctx, body.TokenID); err != nil {
		writeError(w, http.StatusBadGateway, "revocation store unavailable")
		return
	}
	logging.Info("token revoked", zap.String("token_id", body.TokenID))
	writeJSON(w, http.StatusOK, map[string]any{"revoked": body.TokenID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
