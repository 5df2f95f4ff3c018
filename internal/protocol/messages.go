package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// worker -> engine
	TypeStart              MessageType = "start"
	TypeCaptureParticipant MessageType = "capture_participant"
	TypeSignal             MessageType = "signal"

	// engine -> worker
	TypePipelineStarted  MessageType = "pipeline_started"
	TypeTransportEvent   MessageType = "transport_event"
	TypePipelineFinished MessageType = "pipeline_finished"
	TypeError            MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Start struct {
	Type      MessageType     `json:"type"`
	RoomURL   string          `json:"room_url"`
	Token     string          `json:"token"`
	BotName   string          `json:"bot_name"`
	Transport json.RawMessage `json:"transport"`
	Task      json.RawMessage `json:"task"`
	Config    json.RawMessage `json:"config"`
	Stages    []string        `json:"stages"`
}

type CaptureParticipant struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participant_id"`
}

type Signal struct {
	Type   MessageType `json:"type"`
	Signal string      `json:"signal"`
}

type PipelineStarted struct {
	Type MessageType `json:"type"`
}

type Participant struct {
	ID       string `json:"id"`
	UserName string `json:"user_name,omitempty"`
}

type TransportEvent struct {
	Type        MessageType  `json:"type"`
	Event       string       `json:"event"`
	Participant *Participant `json:"participant,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	State       string       `json:"state,omitempty"`
}

type PipelineFinished struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type Error struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

// ParseEngineMessage decodes a message sent by the engine.
func ParseEngineMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePipelineStarted:
		return PipelineStarted{Type: env.Type}, nil
	case TypeTransportEvent:
		var msg TransportEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Event == "" {
			return nil, errors.New("invalid transport_event")
		}
		return msg, nil
	case TypePipelineFinished:
		var msg PipelineFinished
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg Error
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Code == "" {
			return nil, errors.New("invalid error message")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseWorkerMessage decodes a message sent by the worker.
func ParseWorkerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RoomURL == "" || msg.Token == "" {
			return nil, errors.New("invalid start")
		}
		return msg, nil
	case TypeCaptureParticipant:
		var msg CaptureParticipant
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ParticipantID == "" {
			return nil, errors.New("invalid capture_participant")
		}
		return msg, nil
	case TypeSignal:
		var msg Signal
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Signal == "" {
			return nil, errors.New("invalid signal")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
