package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/botconfig"
	"github.com/ent0n29/agentrunner/internal/dispatch"
	"github.com/ent0n29/agentrunner/internal/observability"
	"github.com/ent0n29/agentrunner/internal/policy"
	"github.com/ent0n29/agentrunner/internal/provision"
	"github.com/ent0n29/agentrunner/internal/session"
)

// Provisioner obtains a room and both session tokens.
type Provisioner interface {
	Provision(ctx context.Context, sessionCap time.Duration) (provision.Grant, error)
}

// SessionReply is returned to the caller on success.
type SessionReply struct {
	RoomName  string `json:"room_name"`
	RoomURL   string `json:"room_url"`
	Token     string `json:"token"`
	BotConfig string `json:"bot_config"`
}

// Reply is the outcome of one request. Probe replies carry nothing else.
type Reply struct {
	Probe     bool
	SessionID string
	Session   SessionReply
}

type Service struct {
	provisioner Provisioner
	dispatcher  dispatch.Dispatcher
	sessions    *session.Manager
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func New(p Provisioner, d dispatch.Dispatcher, sessions *session.Manager, metrics *observability.Metrics, log zerolog.Logger) *Service {
	return &Service{
		provisioner: p,
		dispatcher:  d,
		sessions:    sessions,
		metrics:     metrics,
		log:         log,
	}
}

func (s *Service) Strategy() string { return s.dispatcher.Strategy() }

func (s *Service) ActiveSessions() int { return s.sessions.ActiveCount() }

// Handle validates body, provisions a room and dispatches exactly one worker.
// It returns without waiting for the worker. Every failure is an *Error.
func (s *Service) Handle(ctx context.Context, body []byte) (Reply, error) {
	req, err := botconfig.ParseRequest(body)
	if err != nil {
		s.metrics.SessionRequests.WithLabelValues("validation_error").Inc()
		return Reply{}, validationError(err)
	}
	if req.Probe {
		s.metrics.SessionRequests.WithLabelValues("probe").Inc()
		return Reply{Probe: true}, nil
	}
	encoded, err := req.Config.Encode()
	if err != nil {
		s.metrics.SessionRequests.WithLabelValues("validation_error").Inc()
		return Reply{}, validationError(errors.Join(botconfig.ErrMalformedConfig, err))
	}

	started := time.Now()
	grant, err := s.provisioner.Provision(ctx, s.dispatcher.MaxSessionTime())
	s.metrics.ObserveProvisionLatency(time.Since(started))
	if err != nil {
		s.metrics.SessionRequests.WithLabelValues("provisioning_error").Inc()
		s.log.Error().Str("error", policy.Redact(err.Error())).Msg("provisioning failed")
		return Reply{}, provisioningError(err)
	}

	strategy := s.dispatcher.Strategy()
	sess, err := s.sessions.Reserve(grant.Room.Name, grant.Room.URL, grant.BotToken, strategy, grant.ExpiresAt)
	if err != nil {
		s.metrics.SessionRequests.WithLabelValues("dispatch_error").Inc()
		s.metrics.Dispatches.WithLabelValues(strategy, "rejected").Inc()
		return Reply{}, dispatchError(strategy, grant.Room.Name, err)
	}

	log := s.log.With().Str("session_id", sess.ID).Str("room", grant.Room.Name).Str("strategy", strategy).Logger()
	handle, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		SessionID: sess.ID,
		RoomURL:   grant.Room.URL,
		Token:     grant.BotToken,
		Config:    encoded,
	})
	if err != nil {
		// Room and tokens stay issued; they expire on their own.
		_ = s.sessions.Fail(sess.ID, err.Error())
		s.metrics.SessionRequests.WithLabelValues("dispatch_error").Inc()
		s.metrics.Dispatches.WithLabelValues(strategy, "error").Inc()
		log.Error().Str("error", policy.Redact(err.Error())).Msg("dispatch failed")
		return Reply{}, dispatchError(strategy, grant.Room.Name, err)
	}
	_ = s.sessions.Attach(sess.ID, handle.ID)

	s.metrics.Dispatches.WithLabelValues(strategy, "ok").Inc()
	s.metrics.SessionRequests.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	log.Info().Str("handle", handle.ID).Time("expires_at", grant.ExpiresAt).Bool("debug_room", grant.DebugRoom).Msg("worker dispatched")

	return Reply{
		SessionID: sess.ID,
		Session: SessionReply{
			RoomName:  grant.Room.Name,
			RoomURL:   grant.Room.URL,
			Token:     grant.UserToken,
			BotConfig: encoded,
		},
	}, nil
}

// WorkerExited records a local worker's termination.
func (s *Service) WorkerExited(sessionID string, err error) {
	result, detail := "clean", "exited"
	if err != nil {
		result, detail = "error", err.Error()
	}
	if e := s.sessions.Exit(sessionID, detail); e != nil {
		s.log.Warn().Err(e).Str("session_id", sessionID).Msg("exit for unknown session")
	}
	s.metrics.WorkerExits.WithLabelValues(s.dispatcher.Strategy(), result).Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

// SessionExpired records a session that outlived its cap without a
// reported exit. Remote workers always end this way.
func (s *Service) SessionExpired(sess *session.Session) {
	s.metrics.WorkerExits.WithLabelValues(sess.Strategy, "expired").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.log.Info().Str("session_id", sess.ID).Str("room", sess.RoomName).Msg("session reached its cap")
}
