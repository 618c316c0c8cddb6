package models

import (
	"errors"
	"fmt"
	"strings"
)

// The pipeline distinguishes four failure categories so callers can decide
// whether to retry, surface the remote cause, or fix their own call order.
//
//   - TransportError: the invocation never produced a usable reply envelope.
//   - RemoteFailure: the agent replied, and reported its own failure.
//   - MalformedReplyError: the agent replied success, but the payload does
//     not decode into the stage's result shape.
//   - PreconditionError: the operation was refused locally, before any
//     remote contact.

// TransportError covers connection failures, timeouts, non-success HTTP
// statuses and undecodable reply envelopes. Retrying is safe.
type TransportError struct {
	AgentID  string
	Op       string
	Status   int
	Err      error
	Metadata map[string]string
}

func NewTransportError(agentID, op string, err error) *TransportError {
	return &TransportError{AgentID: agentID, Op: op, Err: err}
}

func (e *TransportError) WithStatus(status int) *TransportError {
	e.Status = status
	return e
}

func (e *TransportError) WithMetadata(key, value string) *TransportError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transport error invoking agent %s", e.AgentID)
	if e.Op != "" {
		fmt.Fprintf(&b, " during %s", e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteFailure carries the agent's own error report: the envelope arrived
// with success=false. Retrying will usually reproduce the same answer.
type RemoteFailure struct {
	AgentID string
	Stage   string
	Message string
}

func NewRemoteFailure(agentID, stage, message string) *RemoteFailure {
	return &RemoteFailure{AgentID: agentID, Stage: stage, Message: message}
}

func (e *RemoteFailure) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "agent reported failure without a message"
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s stage failed remotely: %s", e.Stage, msg)
	}
	return fmt.Sprintf("agent %s reported failure: %s", e.AgentID, msg)
}

// MalformedReplyError means the agent claimed success but its payload could
// not be decoded into the stage's result shape.
type MalformedReplyError struct {
	Stage  string
	Reason string
	Err    error
}

func NewMalformedReplyError(stage, reason string, err error) *MalformedReplyError {
	return &MalformedReplyError{Stage: stage, Reason: reason, Err: err}
}

func (e *MalformedReplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s reply: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s reply: %s", e.Stage, e.Reason)
}

func (e *MalformedReplyError) Unwrap() error { return e.Err }

// PreconditionError rejects an operation before any remote work happens,
// either because required inputs are missing or because a run is already in
// flight for the session.
type PreconditionError struct {
	Op      string
	Missing []string
	Reason  string
}

func NewPreconditionError(op string, missing ...string) *PreconditionError {
	return &PreconditionError{Op: op, Missing: missing}
}

func NewBusyError(op string) *PreconditionError {
	return &PreconditionError{Op: op, Reason: "a run is already in progress for this session"}
}

func (e *PreconditionError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s requires %s to be present", e.Op, strings.Join(e.Missing, " and "))
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s rejected: preconditions not met", e.Op)
}

func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

func IsRemoteFailure(err error) bool {
	var r *RemoteFailure
	return errors.As(err, &r)
}

func IsMalformedReply(err error) bool {
	var m *MalformedReplyError
	return errors.As(err, &m)
}

func IsPrecondition(err error) bool {
	var p *PreconditionError
	return errors.As(err, &p)
}

// IsRetryable reports whether a retry has any chance of a different outcome.
// Only transport-level failures qualify; remote failures and malformed
// replies are deterministic for the same inputs, and precondition errors are
// caller bugs.
func IsRetryable(err error) bool {
	return IsTransport(err)
}
