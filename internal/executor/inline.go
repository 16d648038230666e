package executor

import (
	"context"
	"encoding/json"

	"github.com/seantiz/offload/internal/processor"
)

// Compile-time interface satisfaction check.
var _ Executor = (*InlineExecutor)(nil)

// InlineExecutor runs handlers on a goroutine in the current process. Panics
// are recovered, but a handler that ignores its context keeps running after
// the deadline fires; use ProcessExecutor where that matters.
type InlineExecutor struct {
	registry *processor.Registry
}

// NewInlineExecutor creates an executor that resolves handlers from reg.
func NewInlineExecutor(reg *processor.Registry) *InlineExecutor {
	return &InlineExecutor{registry: reg}
}

// Mode reports the isolation mode name.
func (e *InlineExecutor) Mode() string { return ModeInline }

type outcome struct {
	result json.RawMessage
	err    error
}

// Execute runs the handler and waits for it or for ctx to end.
func (e *InlineExecutor) Execute(ctx context.Context, job Job) (json.RawMessage, error) {
	if job.LogWriter != nil {
		ctx = processor.WithLogFunc(ctx, job.LogWriter)
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := invoke(ctx, e.registry, job.Route, job.Payload)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
