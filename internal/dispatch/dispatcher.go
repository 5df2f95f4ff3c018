package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
	StrategyMock   = "mock"
)

// Request is the triple a worker is bound to. Config is the canonical
// serialized session configuration.
type Request struct {
	SessionID string
	RoomURL   string
	Token     string
	Config    string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.RoomURL) == "" || strings.TrimSpace(r.Token) == "" {
		return errors.New("room url and token are required")
	}
	if strings.TrimSpace(r.Config) == "" {
		return errors.New("config is required")
	}
	return nil
}

// Handle references a dispatched worker: a local pid or a remote call id.
type Handle struct {
	Strategy string
	ID       string
}

// ExitHook observes worker termination. err is nil for a clean exit.
type ExitHook func(sessionID string, err error)

// Dispatcher launches exactly one worker per call and returns without
// waiting for it to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Handle, error)
	Strategy() string
	MaxSessionTime() time.Duration
}

// Config controls dispatcher construction.
type Config struct {
	Mode           string
	MaxSessionTime time.Duration

	Command   string
	WorkDir   string
	UseShell  bool
	KillGrace time.Duration
	Env       []string

	ComputeURL   string
	ComputeToken string
	Function     string
	IdleTimeout  time.Duration

	OnExit ExitHook
	Log    zerolog.Logger
}

func New(cfg Config) (Dispatcher, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = StrategyLocal
	}
	if cfg.MaxSessionTime <= 0 {
		return nil, errors.New("max session time must be positive")
	}

	switch mode {
	case StrategyLocal:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("bot command is required for local dispatch")
		}
		return NewLocal(LocalConfig{
			Command:    cfg.Command,
			WorkDir:    cfg.WorkDir,
			UseShell:   cfg.UseShell,
			SessionCap: cfg.MaxSessionTime,
			KillGrace:  cfg.KillGrace,
			Env:        cfg.Env,
			OnExit:     cfg.OnExit,
			Log:        cfg.Log,
		}), nil
	case StrategyRemote:
		if strings.TrimSpace(cfg.ComputeURL) == "" {
			return nil, errors.New("compute api url is required for remote dispatch")
		}
		return NewRemote(RemoteConfig{
			BaseURL:     cfg.ComputeURL,
			Token:       cfg.ComputeToken,
			Function:    cfg.Function,
			SessionCap:  cfg.MaxSessionTime,
			IdleTimeout: cfg.IdleTimeout,
			Log:         cfg.Log,
		}), nil
	case StrategyMock:
		return NewMock(cfg.MaxSessionTime), nil
	default:
		return nil, fmt.Errorf("unsupported dispatch mode %q", cfg.Mode)
	}
}
