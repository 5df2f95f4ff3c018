package pipeline

import (
	"context"
	"errors"

	"github.com/ent0n29/agentrunner/internal/botconfig"
)

// Transport lifecycle events.
const (
	EventFirstParticipantJoined = "on_first_participant_joined"
	EventParticipantLeft        = "on_participant_left"
	EventCallStateUpdated       = "on_call_state_updated"
)

// CallStateLeft is the terminal call state.
const CallStateLeft = "left"

// ErrClosed is returned when a signal is queued on a finished task.
var ErrClosed = errors.New("pipeline task closed")

type Participant struct {
	ID       string `json:"id"`
	UserName string `json:"user_name,omitempty"`
}

// Event is one transport lifecycle notification. Participant is set for
// participant events, State for call state updates.
type Event struct {
	Name        string
	Participant Participant
	Reason      string
	State       string
}

// Handler runs on the engine's event loop and must not block.
type Handler func(ctx context.Context, ev Event)

// Signal is a control frame queued onto a running pipeline.
type Signal string

const SignalEnd Signal = "end"

// TransportParams configures the room transport.
type TransportParams struct {
	AudioOutEnabled      bool `json:"audio_out_enabled"`
	TranscriptionEnabled bool `json:"transcription_enabled"`
	VADEnabled           bool `json:"vad_enabled"`
}

// DefaultTransportParams enables audio out, transcription and VAD.
func DefaultTransportParams() TransportParams {
	return TransportParams{
		AudioOutEnabled:      true,
		TranscriptionEnabled: true,
		VADEnabled:           true,
	}
}

// TaskParams configures the pipeline task.
type TaskParams struct {
	AllowInterruptions      bool `json:"allow_interruptions"`
	EnableMetrics           bool `json:"enable_metrics"`
	SendInitialEmptyMetrics bool `json:"send_initial_empty_metrics"`
}

// TaskParamsFor derives task params from a session config.
func TaskParamsFor(cfg botconfig.Config) TaskParams {
	return TaskParams{
		AllowInterruptions:      cfg.InterruptionsAllowed(),
		EnableMetrics:           true,
		SendInitialEmptyMetrics: false,
	}
}

// Session identifies the room the worker joins.
type Session struct {
	RoomURL string
	Token   string
	BotName string
}

// Transport is the room connection as seen by the controller.
type Transport interface {
	// On registers a handler for a named lifecycle event.
	On(event string, h Handler)
	// CaptureParticipant routes the participant's media into the pipeline.
	CaptureParticipant(ctx context.Context, participantID string) error
}

// Task is a built pipeline.
type Task interface {
	// QueueSignal enqueues a control signal. Queuing SignalEnd more than
	// once is harmless.
	QueueSignal(ctx context.Context, s Signal) error
	// Run blocks until the pipeline finishes. onStarted is called once
	// the pipeline is live.
	Run(ctx context.Context, onStarted func()) error
}

// Engine builds the transport and the pipeline for one session.
type Engine interface {
	Build(ctx context.Context, s Session, tp TransportParams, cfg botconfig.Config, task TaskParams) (Transport, Task, error)
}
