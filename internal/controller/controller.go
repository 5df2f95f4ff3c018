package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/botconfig"
	"github.com/ent0n29/agentrunner/internal/pipeline"
)

type State string

const (
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StateEnding   State = "ENDING"
	StateEnded    State = "ENDED"
)

// ErrNotStarted is returned by Run when the pipeline finished before it
// ever reported itself live.
var ErrNotStarted = errors.New("pipeline finished before starting")

type Controller struct {
	engine  pipeline.Engine
	session pipeline.Session
	cfg     botconfig.Config
	log     zerolog.Logger

	mu         sync.Mutex
	state      State
	history    []State
	task       pipeline.Task
	pendingEnd string
	endReason  string
	ran        bool
}

func New(engine pipeline.Engine, session pipeline.Session, cfg botconfig.Config, log zerolog.Logger) *Controller {
	return &Controller{
		engine:  engine,
		session: session,
		cfg:     cfg,
		log:     log,
		state:   StateStarting,
		history: []State{StateStarting},
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns every state the session has been in, in order.
func (c *Controller) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}

// EndReason is the reason given by the first effective end request.
func (c *Controller) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Run builds the session and blocks until the pipeline finishes. It may be
// called once.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return errors.New("controller already ran")
	}
	c.ran = true
	c.mu.Unlock()

	transport, task, err := c.engine.Build(ctx, c.session, pipeline.DefaultTransportParams(), c.cfg, pipeline.TaskParamsFor(c.cfg))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	c.mu.Lock()
	c.task = task
	c.mu.Unlock()

	transport.On(pipeline.EventFirstParticipantJoined, func(ctx context.Context, ev pipeline.Event) {
		if err := transport.CaptureParticipant(ctx, ev.Participant.ID); err != nil {
			c.log.Error().Err(err).Str("participant", ev.Participant.ID).Msg("capture participant failed")
			return
		}
		c.log.Info().Str("participant", ev.Participant.ID).Msg("first participant joined")
	})
	transport.On(pipeline.EventParticipantLeft, func(ctx context.Context, ev pipeline.Event) {
		c.log.Info().Str("participant", ev.Participant.ID).Str("reason", ev.Reason).Msg("participant left, ending session")
		c.end(ctx, "participant_left")
	})
	transport.On(pipeline.EventCallStateUpdated, func(ctx context.Context, ev pipeline.Event) {
		c.log.Info().Str("state", ev.State).Msg("call state updated")
		if ev.State == pipeline.CallStateLeft {
			c.end(ctx, "call_left")
		}
	})

	runErr := task.Run(ctx, func() { c.started(ctx) })

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStarting:
		if runErr != nil {
			return fmt.Errorf("%w: %w", ErrNotStarted, runErr)
		}
		return ErrNotStarted
	case StateActive:
		if c.endReason == "" {
			c.endReason = "pipeline_finished"
		}
		c.transition(StateEnding)
	}
	c.transition(StateEnded)
	c.log.Info().Str("reason", c.endReason).Msg("session ended")
	return runErr
}

// End requests the end of the session. It is idempotent; a request made
// before the pipeline is live is applied as soon as it starts.
func (c *Controller) End(ctx context.Context, reason string) error {
	return c.end(ctx, reason)
}

func (c *Controller) end(ctx context.Context, reason string) error {
	c.mu.Lock()
	switch c.state {
	case StateStarting:
		if c.pendingEnd == "" {
			c.pendingEnd = reason
		}
		c.mu.Unlock()
		return nil
	case StateActive:
		c.endReason = reason
		c.transition(StateEnding)
		task := c.task
		c.mu.Unlock()
		return c.queueEnd(ctx, task)
	default:
		c.mu.Unlock()
		return nil
	}
}

func (c *Controller) started(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.transition(StateActive)
	pending := c.pendingEnd
	if pending == "" {
		c.mu.Unlock()
		c.log.Info().Msg("pipeline started")
		return
	}
	c.endReason = pending
	c.transition(StateEnding)
	task := c.task
	c.mu.Unlock()

	c.log.Info().Str("reason", pending).Msg("pipeline started with an end pending")
	_ = c.queueEnd(ctx, task)
}

func (c *Controller) queueEnd(ctx context.Context, task pipeline.Task) error {
	if err := task.QueueSignal(ctx, pipeline.SignalEnd); err != nil {
		c.log.Error().Err(err).Msg("queue end signal failed")
		return err
	}
	return nil
}

// transition must be called with mu held.
func (c *Controller) transition(to State) {
	c.log.Debug().Str("from", string(c.state)).Str("to", string(to)).Msg("session state")
	c.state = to
	c.history = append(c.history, to)
}
