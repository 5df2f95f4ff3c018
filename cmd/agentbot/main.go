package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ent0n29/agentrunner/internal/botconfig"
	"github.com/ent0n29/agentrunner/internal/config"
	"github.com/ent0n29/agentrunner/internal/controller"
	"github.com/ent0n29/agentrunner/internal/logging"
	"github.com/ent0n29/agentrunner/internal/pipeline"
	"github.com/ent0n29/agentrunner/internal/pipeline/wsbridge"
	"github.com/ent0n29/agentrunner/internal/reliability"
)

const (
	startAttempts    = 3
	startBackoffBase = 500 * time.Millisecond
	startBackoffCap  = 4 * time.Second
)

type args struct {
	RoomURL string
	Token   string
	Config  string
	Engine  string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	wcfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 2
	}

	var a args
	fs := pflag.NewFlagSet("agentbot", pflag.ContinueOnError)
	fs.StringVarP(&a.RoomURL, "url", "u", "", "Room URL")
	fs.StringVarP(&a.Token, "token", "t", "", "Room token")
	fs.StringVarP(&a.Config, "config", "c", "", "Serialized bot configuration")
	fs.StringVar(&a.Engine, "engine", "ws", "Pipeline engine (ws|mock)")
	wcfg.AddFlags(fs)
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	log := logging.For(wcfg.LogJSON, wcfg.Debug, "bot")

	if strings.TrimSpace(a.RoomURL) == "" || strings.TrimSpace(a.Token) == "" || strings.TrimSpace(a.Config) == "" {
		log.Error().Msg("Room URL and Token are required")
		return 1
	}
	cfg, err := botconfig.ParseString(a.Config)
	if err != nil {
		log.Error().Err(err).Msg("invalid bot configuration")
		return 1
	}

	engine, err := newEngine(a.Engine, wcfg, log)
	if err != nil {
		log.Error().Err(err).Msg("pipeline engine unavailable")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &worker{
		engine: engine,
		session: pipeline.Session{
			RoomURL: a.RoomURL,
			Token:   a.Token,
			BotName: wcfg.BotName,
		},
		cfg:     cfg,
		log:     log,
		backoff: startBackoff,
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go stopOnSignal(ctx, cancel, sigCh, w, log)

	ctrl, err := w.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		ev := log.Error().Err(err)
		if ctrl != nil {
			ev = ev.Strs("history", states(ctrl.History()))
		}
		ev.Msg("session failed")
		return 1
	}
	if ctrl != nil {
		log.Info().Str("reason", ctrl.EndReason()).Msg("worker done")
	}
	return 0
}

func startBackoff(attempt int) time.Duration {
	return reliability.ExponentialBackoff(attempt, startBackoffBase, startBackoffCap)
}

func newEngine(kind string, wcfg config.WorkerConfig, log zerolog.Logger) (pipeline.Engine, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "ws":
		return wsbridge.New(wsbridge.Config{
			URL: wcfg.EngineURL,
			Log: log.With().Str("component", "engine").Logger(),
		})
	case "mock":
		return pipeline.NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported engine %q (expected ws|mock)", kind)
	}
}

// worker runs the session, starting a fresh controller when the engine
// refuses to start the pipeline with a retryable error.
type worker struct {
	engine  pipeline.Engine
	session pipeline.Session
	cfg     botconfig.Config
	log     zerolog.Logger
	backoff func(attempt int) time.Duration

	mu      sync.Mutex
	current *controller.Controller
	stopped bool
}

func (w *worker) run(ctx context.Context) (*controller.Controller, error) {
	var last *controller.Controller
	for attempt := 0; ; attempt++ {
		ctrl := controller.New(w.engine, w.session, w.cfg, w.log)
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return last, nil
		}
		w.current = ctrl
		w.mu.Unlock()
		last = ctrl

		err := ctrl.Run(ctx)
		if !retryableStart(err) || attempt+1 >= startAttempts {
			return ctrl, err
		}
		delay := w.backoff(attempt)
		w.log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("pipeline did not start, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctrl, ctx.Err()
		}
	}
}

// End ends the running session and stops further start attempts.
func (w *worker) End(ctx context.Context, reason string) error {
	w.mu.Lock()
	w.stopped = true
	ctrl := w.current
	w.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.End(ctx, reason)
}

func retryableStart(err error) bool {
	if !errors.Is(err, controller.ErrNotStarted) {
		return false
	}
	var ee *wsbridge.EngineError
	return errors.As(err, &ee) && ee.Retryable
}

type ender interface {
	End(ctx context.Context, reason string) error
}

// stopOnSignal ends the session on the first SIGTERM or SIGINT, which is how
// the dispatcher stops a worker at its session cap. A second signal abandons
// the pipeline.
func stopOnSignal(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal, session ender, log zerolog.Logger) {
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("ending session")
		_ = session.End(ctx, "signal")
	case <-ctx.Done():
		return
	}
	select {
	case <-sigCh:
		log.Warn().Msg("second signal, abandoning pipeline")
		cancel()
	case <-ctx.Done():
	}
}

func states(h []controller.State) []string {
	out := make([]string, len(h))
	for i, s := range h {
		out[i] = string(s)
	}
	return out
}
