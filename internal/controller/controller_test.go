package controller

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/botconfig"
	"github.com/ent0n29/agentrunner/internal/pipeline"
)

var fullLifecycle = []State{StateStarting, StateActive, StateEnding, StateEnded}

func newTestController(engine pipeline.Engine) *Controller {
	return New(engine, pipeline.Session{RoomURL: "https://rtvi.daily.co/r", Token: "tok", BotName: "Realtime AI"}, botconfig.Config{}, zerolog.Nop())
}

// startSession runs c in the background and waits until the pipeline is live.
func startSession(t *testing.T, c *Controller, engine *pipeline.MockEngine) (*pipeline.MockTransport, *pipeline.MockTask, <-chan error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		transport, task := engine.Last()
		if task != nil {
			select {
			case <-task.Started():
				return transport, task, done
			case <-deadline:
				t.Fatalf("pipeline did not start")
			}
		}
		select {
		case <-deadline:
			t.Fatalf("pipeline was not built")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not return")
		return nil
	}
}

func TestTwoParticipantLeftEventsEndOnce(t *testing.T) {
	engine := pipeline.NewMockEngine()
	c := newTestController(engine)
	transport, task, done := startSession(t, c, engine)

	if c.State() != StateActive {
		t.Fatalf("State() = %s, want %s", c.State(), StateActive)
	}

	ctx := context.Background()
	transport.Emit(ctx, pipeline.Event{Name: pipeline.EventParticipantLeft, Participant: pipeline.Participant{ID: "p1"}})
	transport.Emit(ctx, pipeline.Event{Name: pipeline.EventParticipantLeft, Participant: pipeline.Participant{ID: "p1"}})

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := task.Signals(); len(got) != 1 || got[0] != pipeline.SignalEnd {
		t.Fatalf("signals = %v, want exactly one end", got)
	}
	if got := c.History(); !reflect.DeepEqual(got, fullLifecycle) {
		t.Fatalf("History() = %v, want %v", got, fullLifecycle)
	}
	if c.EndReason() != "participant_left" {
		t.Fatalf("EndReason() = %q, want %q", c.EndReason(), "participant_left")
	}

	// Ended is terminal.
	if err := c.End(ctx, "late"); err != nil {
		t.Fatalf("End() after ENDED error = %v", err)
	}
	if c.State() != StateEnded {
		t.Fatalf("State() = %s, want %s", c.State(), StateEnded)
	}
}

func TestCallStateLeftEndsSession(t *testing.T) {
	engine := pipeline.NewMockEngine()
	c := newTestController(engine)
	transport, task, done := startSession(t, c, engine)

	ctx := context.Background()
	transport.Emit(ctx, pipeline.Event{Name: pipeline.EventCallStateUpdated, State: "joined"})
	if c.State() != StateActive {
		t.Fatalf("State() after joined = %s, want %s", c.State(), StateActive)
	}
	if len(task.Signals()) != 0 {
		t.Fatalf("signals = %v, want none", task.Signals())
	}

	transport.Emit(ctx, pipeline.Event{Name: pipeline.EventCallStateUpdated, State: pipeline.CallStateLeft})
	transport.Emit(ctx, pipeline.Event{Name: pipeline.EventParticipantLeft})

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := c.History(); !reflect.DeepEqual(got, fullLifecycle) {
		t.Fatalf("History() = %v, want %v", got, fullLifecycle)
	}
	if c.EndReason() != "call_left" {
		t.Fatalf("EndReason() = %q, want %q", c.EndReason(), "call_left")
	}
}

func TestFirstParticipantIsCaptured(t *testing.T) {
	engine := pipeline.NewMockEngine()
	c := newTestController(engine)
	transport, _, done := startSession(t, c, engine)

	ctx := context.Background()
	transport.Emit(ctx, pipeline.Event{Name: pipeline.EventFirstParticipantJoined, Participant: pipeline.Participant{ID: "p-42"}})
	if got := transport.Captured(); len(got) != 1 || got[0] != "p-42" {
		t.Fatalf("Captured() = %v, want [p-42]", got)
	}
	if c.State() != StateActive {
		t.Fatalf("State() = %s, want %s", c.State(), StateActive)
	}

	if err := c.End(ctx, "signal"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestEndBeforeStartIsAppliedOnStart(t *testing.T) {
	engine := pipeline.NewMockEngine()
	c := newTestController(engine)

	if err := c.End(context.Background(), "sigterm"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if c.State() != StateStarting {
		t.Fatalf("State() = %s, want %s", c.State(), StateStarting)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := c.History(); !reflect.DeepEqual(got, fullLifecycle) {
		t.Fatalf("History() = %v, want %v", got, fullLifecycle)
	}
	if c.EndReason() != "sigterm" {
		t.Fatalf("EndReason() = %q, want %q", c.EndReason(), "sigterm")
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatalf("second Run() expected error")
	}
}

func TestBuildFailureStaysStarting(t *testing.T) {
	engine := pipeline.NewMockEngine()
	engine.BuildErr = errors.New("engine unreachable")
	c := newTestController(engine)

	err := c.Run(context.Background())
	if err == nil || !errors.Is(err, engine.BuildErr) {
		t.Fatalf("Run() error = %v, want build error", err)
	}
	if c.State() != StateStarting {
		t.Fatalf("State() = %s, want %s", c.State(), StateStarting)
	}
}

type neverStartsTask struct{}

func (neverStartsTask) QueueSignal(context.Context, pipeline.Signal) error { return nil }
func (neverStartsTask) Run(context.Context, func()) error { return errors.New("engine crashed") }

type neverStartsEngine struct{ transport *pipeline.MockTransport }

func (e neverStartsEngine) Build(context.Context, pipeline.Session, pipeline.TransportParams, botconfig.Config, pipeline.TaskParams) (pipeline.Transport, pipeline.Task, error) {
	return e.transport, neverStartsTask{}, nil
}

func TestRunReturningBeforeStartIsAFault(t *testing.T) {
	engine := pipeline.NewMockEngine()
	_, _, _ = engine.Build(context.Background(), pipeline.Session{}, pipeline.TransportParams{}, botconfig.Config{}, pipeline.TaskParams{})
	transport, _ := engine.Last()

	c := newTestController(neverStartsEngine{transport: transport})
	err := c.Run(context.Background())
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Run() error = %v, want ErrNotStarted", err)
	}
	if got := c.History(); !reflect.DeepEqual(got, []State{StateStarting}) {
		t.Fatalf("History() = %v, want [STARTING]", got)
	}
}

func TestCancelledRunStillReachesEnded(t *testing.T) {
	engine := pipeline.NewMockEngine()
	c := newTestController(engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if _, task := engine.Last(); task != nil {
			<-task.Started()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pipeline was not built")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := waitRun(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := c.History(); !reflect.DeepEqual(got, fullLifecycle) {
		t.Fatalf("History() = %v, want %v", got, fullLifecycle)
	}
}
