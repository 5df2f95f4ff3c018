package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/config"
	"github.com/ent0n29/agentrunner/internal/observability"
	"github.com/ent0n29/agentrunner/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// SessionService handles session requests.
type SessionService interface {
	Handle(ctx context.Context, body []byte) (orchestrator.Reply, error)
	Strategy() string
	ActiveSessions() int
}

type Server struct {
	cfg            config.Config
	service        SessionService
	metrics        *observability.Metrics
	metricsHandler http.Handler
	log            zerolog.Logger
}

func New(cfg config.Config, service SessionService, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:            cfg,
		service:        service,
		metrics:        metrics,
		metricsHandler: observability.MetricsHandler(),
		log:            log,
	}
}

// WithMetricsHandler replaces the /metrics handler.
func (s *Server) WithMetricsHandler(h http.Handler) *Server {
	s.metricsHandler = h
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover(s.log))
	r.Use(AccessLog(s.log))
	r.Use(HostGuard(s.cfg.HostAllowList, func(r *http.Request) {
		s.metrics.SessionRequests.WithLabelValues("access_denied").Inc()
		s.log.Warn().Str("host", r.Host).Str("req", requestIDFrom(r.Context())).Msg("host access denied")
	}))
	if s.cfg.CORSAllowAll {
		r.Use(CORS)
	}

	r.Post("/", s.handleSession)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metricsHandler.ServeHTTP(w, r)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"dispatch_mode":   s.service.Strategy(),
		"active_sessions": s.service.ActiveSessions(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "invalid_body", "Missing configuration or malformed configuration object")
		return
	}

	reply, err := s.service.Handle(r.Context(), body)
	if err != nil {
		var oe *orchestrator.Error
		if errors.As(err, &oe) {
			respondOrchestratorError(w, oe)
			return
		}
		s.log.Error().Err(err).Str("req", requestIDFrom(r.Context())).Msg("session request failed")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if reply.Probe {
		respondJSON(w, http.StatusOK, map[string]bool{"test": true})
		return
	}
	w.Header().Set("X-Session-Id", reply.SessionID)
	respondJSON(w, http.StatusOK, reply.Session)
}

type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail, Code: code})
}

func respondOrchestratorError(w http.ResponseWriter, e *orchestrator.Error) {
	code := e.Code
	if e.Kind == orchestrator.KindAccess {
		// The access-denied body is exactly {"detail": "..."}.
		code = ""
	}
	respondError(w, e.Status(), code, e.Detail)
}
