package orchestrator

import (
	"errors"
	"net/http"

	"github.com/ent0n29/agentrunner/internal/botconfig"
	"github.com/ent0n29/agentrunner/internal/dispatch"
	"github.com/ent0n29/agentrunner/internal/policy"
	"github.com/ent0n29/agentrunner/internal/provision"
	"github.com/ent0n29/agentrunner/internal/session"
)

// Kind classifies request failures. Everything up to and including dispatch
// is reported to the caller; nothing is retried.
type Kind string

const (
	KindAccess       Kind = "access"
	KindValidation   Kind = "validation"
	KindProvisioning Kind = "provisioning"
	KindDispatch     Kind = "dispatch"
)

// Error is a failure ready to be written to the caller. Detail is the
// caller-facing message.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Detail
	}
	return e.Detail + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the error to its HTTP status. Caller input errors use 500 as
// existing clients expect.
func (e *Error) Status() int {
	return StatusFor(e.Kind)
}

func StatusFor(k Kind) int {
	if k == KindAccess {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// AccessDenied is the Host Guard rejection.
func AccessDenied() *Error {
	return &Error{Kind: KindAccess, Code: "host_denied", Detail: "Host access denied"}
}

func validationError(err error) *Error {
	if errors.Is(err, botconfig.ErrMalformedConfig) {
		return &Error{Kind: KindValidation, Code: "malformed_config", Detail: "Failed to parse bot configuration", Err: err}
	}
	return &Error{Kind: KindValidation, Code: "missing_config", Detail: "Missing configuration or malformed configuration object", Err: err}
}

func provisioningError(err error) *Error {
	var pe *provision.Error
	subject := ""
	if errors.As(err, &pe) {
		subject = pe.Subject
	}
	switch {
	case errors.Is(err, provision.ErrRoomNotFound):
		return &Error{Kind: KindProvisioning, Code: "room_not_found", Detail: "Room not found: " + subject, Err: err}
	case errors.Is(err, provision.ErrRoomCreate):
		detail := "Room creation failed"
		if pe != nil && pe.Err != nil {
			detail = policy.Redact(pe.Err.Error())
		}
		return &Error{Kind: KindProvisioning, Code: "room_create_failed", Detail: detail, Err: err}
	default:
		return &Error{Kind: KindProvisioning, Code: "token_failed", Detail: "Failed to get token for room: " + subject, Err: err}
	}
}

func dispatchError(strategy, roomName string, err error) *Error {
	if errors.Is(err, session.ErrAlreadyDispatched) {
		return &Error{Kind: KindDispatch, Code: "already_dispatched", Detail: "Worker already dispatched for room: " + roomName, Err: err}
	}
	cause := policy.Redact(err.Error())
	detail := "Failed to start worker: " + cause
	if strategy == dispatch.StrategyLocal {
		detail = "Failed to start subprocess: " + cause
	}
	return &Error{Kind: KindDispatch, Code: "dispatch_failed", Detail: detail, Err: err}
}
