// Package gatewaytest provides an in-process gateway.Caller for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/scanlytics/scanlytics/internal/platform/gateway"
)

// Call records one invocation seen by the fake.
type Call struct {
	Command string
	Payload json.RawMessage
}

type response struct {
	body json.RawMessage
	err  error
}

// Fake answers commands from canned responses. Responses are JSON-encoded
// and decoded into the caller's out value, so the caller sees exactly what a
// real transport would deliver.
type Fake struct {
	mu        sync.Mutex
	responses map[string]response
	gates     map[string]chan struct{}
	calls     []Call
}

func New() *Fake {
	return &Fake{
		responses: make(map[string]response),
		gates:     make(map[string]chan struct{}),
	}
}

// Respond makes command answer with v. v may be a json.RawMessage or a raw
// JSON string literal wrapped in json.RawMessage to send exact bytes.
func (f *Fake) Respond(command string, v any) {
	var body json.RawMessage
	switch t := v.(type) {
	case json.RawMessage:
		body = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("gatewaytest: marshal response: %v", err))
		}
		body = b
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = response{body: body}
}

// Reject makes command fail with a backend rejection carrying message.
func (f *Fake) Reject(command, message string) {
	f.Fail(command, gateway.Rejection(command, message))
}

// Fail makes command fail with err.
func (f *Fake) Fail(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = response{err: err}
}

// Hold blocks calls to command until the returned release func runs. The
// response is read after release, so it may be changed while held.
func (f *Fake) Hold(command string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[command] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns a copy of every call recorded so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times command was called.
func (f *Fake) CallCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Command == command {
			n++
		}
	}
	return n
}

func (f *Fake) Call(ctx context.Context, command string, payload, out any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return gateway.Transport(command, err)
		}
		raw = b
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Command: command, Payload: raw})
	gate := f.gates[command]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return gateway.Transport(command, ctx.Err())
		}
	}

	f.mu.Lock()
	resp, ok := f.responses[command]
	f.mu.Unlock()
	if !ok {
		return gateway.Rejection(command, "unknown command: "+command)
	}
	if resp.err != nil {
		return resp.err
	}
	return gateway.Decode(command, resp.body, out)
}
