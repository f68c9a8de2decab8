// Package api exposes the HTTP interface for the capture service: batch
// submission and status, queue control, the overlay-renderer WebSocket
// endpoint, and operational probes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/config"
	"github.com/pixelproof/adcapture/internal/metrics"
	"github.com/pixelproof/adcapture/internal/pipeline"
)

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router   chi.Router
	pipeline *pipeline.Pipeline
	sessions capture.SessionManager
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes. bridgeWS may be
// nil when the overlay bridge is disabled.
func NewServer(
	p *pipeline.Pipeline,
	sessions capture.SessionManager,
	bridgeWS http.HandlerFunc,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pipeline: p,
		sessions: sessions,
		logger:   logger,
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if bridgeWS != nil {
		// The WebSocket upgrade hijacks the connection; keep it outside the
		// timeout wrapper.
		r.Get("/bridge/ws", bridgeWS)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Get("/{batch_id}", s.getBatch)
		})
		r.Route("/queues", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Post("/pause", s.pauseQueues)
			r.Post("/resume", s.resumeQueues)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.sessions != nil && !s.sessions.Healthy(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "browser unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// batchRequest is the submission payload.
type batchRequest struct {
	Records  []capture.AdRecord `json:"records"`
	Priority string             `json:"priority"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records required")
		return
	}
	for i, rec := range req.Records {
		if rec.WebsiteURL == "" || rec.PID == "" || rec.UID == "" {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("record %d: website_url, pid and uid are required", i))
			return
		}
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	batchID, err := s.pipeline.Submit(ctx, req.Records, priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	snap, ok := s.pipeline.BatchSnapshot(batchID)
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.QueueStats())
}

func (s *Server) pauseQueues(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.Pause()
	s.logger.Info("queues paused via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeQueues(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.Resume()
	s.logger.Info("queues resumed via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func parsePriority(raw string) (capture.Priority, error) {
	switch strings.ToLower(raw) {
	case "", "normal":
		return capture.PriorityNormal, nil
	case "low":
		return capture.PriorityLow, nil
	case "high":
		return capture.PriorityHigh, nil
	case "critical":
		return capture.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", raw)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
