// Package executor runs one handler invocation behind an isolation boundary.
// The process executor starts a fresh child process per task and speaks a
// framed JSON protocol over its stdin and stdout; the inline executor runs the
// handler on a goroutine in the current process.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/offload/internal/processor"
)

// Isolation mode names.
const (
	ModeProcess = "process"
	ModeInline  = "inline"
)

// Job describes one task handed to an executor.
type Job struct {
	TransactionID string
	Route         string
	Payload       json.RawMessage

	// LogWriter, when set, receives progress lines emitted by the handler.
	LogWriter func(line string)
}

// Executor runs a job to completion and returns the JSON-encoded handler result.
// The context carries the per-task deadline.
type Executor interface {
	Execute(ctx context.Context, job Job) (json.RawMessage, error)
	Mode() string
}

// HandlerError reports a failure raised by, or on behalf of, the handler:
// a returned error, a panic, or an abnormal worker exit.
type HandlerError struct {
	Route   string
	Message string
}

func (e *HandlerError) Error() string {
	return e.Message
}

// invoke looks up and calls the handler for route, converting panics into
// errors and encoding the result as JSON.
func invoke(ctx context.Context, reg *processor.Registry, route string, payload json.RawMessage) (result json.RawMessage, err error) {
	h, err := reg.Lookup(route)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Route:   route,
				Message: fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	v, err := h(ctx, payload)
	if err != nil {
		return nil, &HandlerError{Route: route, Message: err.Error()}
	}

	if raw, ok := v.(json.RawMessage); ok && json.Valid(raw) {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &HandlerError{Route: route, Message: fmt.Sprintf("encode result: %v", err)}
	}
	return data, nil
}
