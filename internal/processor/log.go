package processor

import (
	"context"
	"fmt"
)

// LogFunc receives one progress line emitted by a handler.
type LogFunc func(line string)

type logKey struct{}

// WithLogFunc returns a context whose handlers report progress lines to fn.
func WithLogFunc(ctx context.Context, fn LogFunc) context.Context {
	return context.WithValue(ctx, logKey{}, fn)
}

// Logf emits a progress line for the running task. It is a no-op when the
// context carries no log sink.
func Logf(ctx context.Context, format string, args ...any) {
	fn, ok := ctx.Value(logKey{}).(LogFunc)
	if !ok || fn == nil {
		return
	}
	fn(fmt.Sprintf(format, args...))
}
