package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/config"
	"github.com/ent0n29/agentrunner/internal/daily"
	"github.com/ent0n29/agentrunner/internal/dispatch"
	"github.com/ent0n29/agentrunner/internal/httpapi"
	"github.com/ent0n29/agentrunner/internal/observability"
	"github.com/ent0n29/agentrunner/internal/orchestrator"
	"github.com/ent0n29/agentrunner/internal/provision"
	"github.com/ent0n29/agentrunner/internal/session"
)

// BotName is the participant name workers join rooms with.
const BotName = "Realtime AI"

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Service    *orchestrator.Service
	Dispatcher dispatch.Dispatcher
	Metrics    *observability.Metrics

	// Cleanup should be called on shutdown. Dispatched workers are not
	// stopped; they end at their own session cap.
	Cleanup func() error
}

// Build wires the orchestrator from cfg. metrics may be nil, in which case
// instruments are registered on the default registry.
func Build(_ context.Context, cfg config.Config, metrics *observability.Metrics, log zerolog.Logger) (*BuildResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	rooms := daily.NewClient(cfg.DailyAPIKey, cfg.DailyAPIURL)
	prov := provision.New(rooms, provision.Config{
		DebugRoom: cfg.DebugRoom,
		Domain:    cfg.DailyDomain,
		BotName:   BotName,
	}, log.With().Str("component", "provision").Logger())

	sessions := session.NewManager(cfg.SessionRetention)

	// The exit hook is bound once the service exists; no worker can exit
	// before the first dispatch.
	var svc *orchestrator.Service
	disp, err := dispatch.New(dispatch.Config{
		Mode:           cfg.DispatchMode,
		MaxSessionTime: cfg.MaxSessionTime,
		Command:        cfg.BotCommand,
		WorkDir:        cfg.BotWorkDir,
		UseShell:       cfg.BotUseShell,
		KillGrace:      cfg.BotKillGrace,
		ComputeURL:     cfg.ComputeAPIURL,
		ComputeToken:   cfg.ComputeAPIToken,
		Function:       cfg.ComputeFunction,
		IdleTimeout:    cfg.ComputeIdleTimeout,
		OnExit: func(sessionID string, err error) {
			svc.WorkerExited(sessionID, err)
		},
		Log: log.With().Str("component", "dispatch").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	svc = orchestrator.New(prov, disp, sessions, metrics, log.With().Str("component", "orchestrator").Logger())
	sessions.SetExpireHook(svc.SessionExpired)

	api := httpapi.New(cfg, svc, metrics, log.With().Str("component", "http").Logger())

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Service:    svc,
		Dispatcher: disp,
		Metrics:    metrics,
		Cleanup:    func() error { return nil },
	}, nil
}
