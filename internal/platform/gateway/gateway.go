// Package gateway is the remote call boundary between the desk client and the
// privileged backend process. A call names a command, carries an optional
// JSON payload and yields either a decoded response or an *Error.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTransport marks calls that never produced a backend verdict: the
	// backend was unreachable, timed out, failed internally or answered with
	// a body that could not be decoded.
	ErrTransport = errors.New("transport failure")

	// ErrRejected marks calls the backend answered with an explicit error.
	ErrRejected = errors.New("rejected by backend")
)

// Caller invokes backend commands. out may be nil when the response body is
// not needed.
type Caller interface {
	Call(ctx context.Context, command string, payload, out any) error
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, command string, payload, out any) error

func (f CallerFunc) Call(ctx context.Context, command string, payload, out any) error {
	return f(ctx, command, payload, out)
}

// Error is returned by every failed call.
type Error struct {
	Command  string
	Rejected bool
	// Message is the backend's own error text for rejections.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Rejected {
		return fmt.Sprintf("%s: %s", e.Command, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Command, ErrTransport, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Command, ErrTransport)
}

func (e *Error) Unwrap() []error {
	kind := ErrTransport
	if e.Rejected {
		kind = ErrRejected
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// Rejection builds the error for a backend verdict.
func Rejection(command, message string) *Error {
	return &Error{Command: command, Rejected: true, Message: message}
}

// Transport builds the error for a call that never got a verdict.
func Transport(command string, err error) *Error {
	return &Error{Command: command, Err: err}
}

// Message returns the backend message carried by err, or err's text when err
// is not a rejection.
func Message(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Rejected {
		return gerr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Decode unmarshals a raw response into out. A nil out or an empty/null body
// is not an error.
func Decode(command string, body []byte, out any) error {
	if out == nil || len(body) == 0 || string(body) == "null" {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Transport(command, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
