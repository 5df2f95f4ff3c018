package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/botconfig"
	"github.com/ent0n29/agentrunner/internal/pipeline"
	"github.com/ent0n29/agentrunner/internal/protocol"
	"github.com/ent0n29/agentrunner/internal/reliability"
)

const (
	writeTimeout     = 3 * time.Second
	handshakeTimeout = 4 * time.Second
)

// DefaultStages is the processing graph requested from the engine: room input
// followed by the RTVI processor.
var DefaultStages = []string{"transport.input", "rtvi"}

type Config struct {
	URL          string
	DialAttempts int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Log          zerolog.Logger
}

// EngineError is a failure reported by the engine itself.
type EngineError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *EngineError) Error() string {
	if e.Detail == "" {
		return "pipeline engine error: " + e.Code
	}
	return "pipeline engine error: " + e.Code + ": " + e.Detail
}

type Engine struct {
	cfg    Config
	dialer websocket.Dialer
}

func New(cfg Config) (*Engine, error) {
	url := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("pipeline engine url must be ws:// or wss://, got %q", cfg.URL)
	}
	cfg.URL = url
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	return &Engine{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

// Build connects to the engine. The pipeline is started by Task.Run so that
// handlers can be registered before any event arrives.
func (e *Engine) Build(ctx context.Context, s pipeline.Session, tp pipeline.TransportParams, cfg botconfig.Config, task pipeline.TaskParams) (pipeline.Transport, pipeline.Task, error) {
	encoded, err := cfg.Encode()
	if err != nil {
		return nil, nil, err
	}
	transport, err := json.Marshal(tp)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal transport params: %w", err)
	}
	taskParams, err := json.Marshal(task)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal task params: %w", err)
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	b := &bridge{
		conn: conn,
		log:  e.cfg.Log,
		start: protocol.Start{
			Type:      protocol.TypeStart,
			RoomURL:   s.RoomURL,
			Token:     s.Token,
			BotName:   s.BotName,
			Transport: transport,
			Task:      taskParams,
			Config:    json.RawMessage(encoded),
			Stages:    DefaultStages,
		},
		handlers: make(map[string][]pipeline.Handler),
		closed:   make(chan struct{}),
	}
	return b, b, nil
}

func (e *Engine) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, e.cfg.BackoffBase, e.cfg.BackoffCap)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		conn, resp, err := e.dialer.DialContext(ctx, e.cfg.URL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("pipeline engine handshake status %d: %w", resp.StatusCode, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.cfg.Log.Warn().Err(err).Int("attempt", attempt+1).Msg("pipeline engine dial failed")
	}
	return nil, fmt.Errorf("dial pipeline engine: %w", lastErr)
}

// bridge is both the transport and the task of one engine session.
type bridge struct {
	conn  *websocket.Conn
	log   zerolog.Logger
	start protocol.Start

	writeMu sync.Mutex

	mu        sync.Mutex
	handlers  map[string][]pipeline.Handler
	endQueued bool

	closed chan struct{}
}

func (b *bridge) On(event string, h pipeline.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

func (b *bridge) CaptureParticipant(ctx context.Context, participantID string) error {
	return b.write(ctx, protocol.CaptureParticipant{
		Type:          protocol.TypeCaptureParticipant,
		ParticipantID: participantID,
	})
}

func (b *bridge) QueueSignal(ctx context.Context, s pipeline.Signal) error {
	if s == pipeline.SignalEnd {
		b.mu.Lock()
		already := b.endQueued
		b.endQueued = true
		b.mu.Unlock()
		if already {
			return nil
		}
	}
	select {
	case <-b.closed:
		if s == pipeline.SignalEnd {
			return nil
		}
		return pipeline.ErrClosed
	default:
	}
	return b.write(ctx, protocol.Signal{Type: protocol.TypeSignal, Signal: string(s)})
}

func (b *bridge) write(ctx context.Context, v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = b.conn.SetWriteDeadline(deadline)
	if err := b.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write to pipeline engine: %w", err)
	}
	return nil
}

func (b *bridge) Run(ctx context.Context, onStarted func()) error {
	defer close(b.closed)
	defer b.conn.Close()

	if err := b.write(ctx, b.start); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = b.conn.Close() })
	defer stop()

	started := false
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pipeline engine connection lost: %w", err)
		}

		msg, err := protocol.ParseEngineMessage(raw)
		if err != nil {
			b.log.Warn().Err(err).Msg("ignoring engine message")
			continue
		}

		switch m := msg.(type) {
		case protocol.PipelineStarted:
			if !started {
				started = true
				if onStarted != nil {
					onStarted()
				}
			}
		case protocol.TransportEvent:
			b.emit(ctx, m)
		case protocol.PipelineFinished:
			b.log.Info().Str("reason", m.Reason).Msg("pipeline finished")
			b.closeNormally()
			return nil
		case protocol.Error:
			return &EngineError{
				Code:      m.Code,
				Detail:    m.Detail,
				Retryable: !started && reliability.IsRetryableEngineError(m.Code),
			}
		}
	}
}

func (b *bridge) emit(ctx context.Context, m protocol.TransportEvent) {
	ev := pipeline.Event{Name: m.Event, Reason: m.Reason, State: m.State}
	if m.Participant != nil {
		ev.Participant = pipeline.Participant{ID: m.Participant.ID, UserName: m.Participant.UserName}
	}

	b.mu.Lock()
	hs := append([]pipeline.Handler(nil), b.handlers[m.Event]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, ev)
	}
}

func (b *bridge) closeNormally() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		b.log.Debug().Err(err).Msg("close frame not sent")
	}
}
