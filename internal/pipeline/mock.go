package pipeline

import (
	"context"
	"sync"

	"github.com/ent0n29/agentrunner/internal/botconfig"
)

// MockEngine builds in-process transports and tasks. Events are injected
// with MockTransport.Emit and the task finishes on the end signal.
type MockEngine struct {
	mu        sync.Mutex
	BuildErr  error
	transport *MockTransport
	task      *MockTask
	session   Session
	taskCfg   TaskParams
}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (e *MockEngine) Build(ctx context.Context, s Session, _ TransportParams, _ botconfig.Config, task TaskParams) (Transport, Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.BuildErr != nil {
		return nil, nil, e.BuildErr
	}
	e.transport = &MockTransport{handlers: make(map[string][]Handler)}
	e.task = NewMockTask()
	e.session = s
	e.taskCfg = task
	return e.transport, e.task, nil
}

// Last returns the transport and task from the most recent Build.
func (e *MockEngine) Last() (*MockTransport, *MockTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport, e.task
}

type MockTransport struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	captured []string
}

func (t *MockTransport) On(event string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

func (t *MockTransport) CaptureParticipant(_ context.Context, participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.captured = append(t.captured, participantID)
	return nil
}

// Emit runs every handler registered for ev.Name on the caller's goroutine.
func (t *MockTransport) Emit(ctx context.Context, ev Event) {
	t.mu.Lock()
	hs := append([]Handler(nil), t.handlers[ev.Name]...)
	t.mu.Unlock()
	for _, h := range hs {
		h(ctx, ev)
	}
}

func (t *MockTransport) Captured() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.captured...)
}

type MockTask struct {
	mu      sync.Mutex
	signals []Signal
	ended   bool
	done    chan struct{}
	started chan struct{}
	once    sync.Once
}

func NewMockTask() *MockTask {
	return &MockTask{
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (t *MockTask) QueueSignal(_ context.Context, s Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, s)
	if s == SignalEnd && !t.ended {
		t.ended = true
		close(t.done)
	}
	return nil
}

func (t *MockTask) Run(ctx context.Context, onStarted func()) error {
	if onStarted != nil {
		onStarted()
	}
	t.once.Do(func() { close(t.started) })
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started is closed once Run has reported the pipeline live.
func (t *MockTask) Started() <-chan struct{} { return t.started }

func (t *MockTask) Signals() []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Signal(nil), t.signals...)
}
