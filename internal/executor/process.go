package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// waitDelay bounds how long Wait lingers on open pipes after the worker
	// has been killed.
	waitDelay = 2 * time.Second

	// stderrTailSize is how much worker stderr is kept for failure descriptions.
	stderrTailSize = 4 << 10

	// EnvWorkerID names the variable carrying the invocation id into the worker.
	EnvWorkerID = "OFFLOAD_WORKER_ID"
)

// Compile-time interface satisfaction check.
var _ Executor = (*ProcessExecutor)(nil)

// ProcessExecutor runs every job in a fresh child process. A handler that
// panics, exits, or hangs past its deadline takes down only its own process.
type ProcessExecutor struct {
	path   string
	args   []string
	env    []string
	logger *slog.Logger
}

// ProcessOption configures a ProcessExecutor.
type ProcessOption func(*ProcessExecutor)

// WithEnv appends KEY=VALUE pairs to the worker environment.
func WithEnv(kv ...string) ProcessOption {
	return func(p *ProcessExecutor) { p.env = append(p.env, kv...) }
}

// WithLogger sets the logger used for worker lifecycle events.
func WithLogger(l *slog.Logger) ProcessOption {
	return func(p *ProcessExecutor) { p.logger = l }
}

// NewProcessExecutor creates an executor that starts path with args for each job.
// The child must speak the worker protocol on stdin/stdout (see ServeWorker).
func NewProcessExecutor(path string, args []string, opts ...ProcessOption) *ProcessExecutor {
	p := &ProcessExecutor{
		path:   path,
		args:   args,
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewSelfProcessExecutor re-executes the running binary with args, which
// should select its worker entry point.
func NewSelfProcessExecutor(args []string, opts ...ProcessOption) (*ProcessExecutor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return NewProcessExecutor(exe, args, opts...), nil
}

// Mode reports the isolation mode name.
func (p *ProcessExecutor) Mode() string { return ModeProcess }

// Execute starts a worker, sends it the job and relays its log lines until
// the result arrives. On context expiry the worker is killed and the context
// error is returned.
func (p *ProcessExecutor) Execute(ctx context.Context, job Job) (json.RawMessage, error) {
	workerID := uuid.NewString()
	logger := p.logger.With("transaction_id", job.TransactionID, "route", job.Route, "worker_id", workerID)
	start := time.Now()

	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+workerID)
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		workerRunsTotal.WithLabelValues(outcomeSpawnError).Inc()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	activeWorkers.Inc()
	defer activeWorkers.Dec()
	logger.Debug("worker started", "pid", cmd.Process.Pid)

	// A write failure means the worker died early; its exit status below
	// explains why.
	writeErr := WriteMessage(stdin, &WorkerRequest{
		TransactionID: job.TransactionID,
		Route:         job.Route,
		Payload:       job.Payload,
	})
	stdin.Close()

	resp, readErr := readMessages(bufio.NewReader(stdout), job.LogWriter)

	// Wait only after all reads from stdout are complete.
	waitErr := cmd.Wait()
	workerDuration.Observe(time.Since(start).Seconds())

	if ctxErr := ctx.Err(); ctxErr != nil {
		workerRunsTotal.WithLabelValues(outcomeKilled).Inc()
		logger.Warn("worker killed", "error", ctxErr)
		return nil, fmt.Errorf("worker %s: %w", workerID, ctxErr)
	}

	if readErr != nil {
		workerRunsTotal.WithLabelValues(outcomeCrashed).Inc()
		cause := waitErr
		if cause == nil {
			cause = readErr
		}
		if writeErr != nil && waitErr == nil {
			cause = writeErr
		}
		logger.Error("worker exited without result", "error", cause, "stderr", stderr.String())
		return nil, &HandlerError{
			Route:   job.Route,
			Message: fmt.Sprintf("worker exited without result: %v%s", cause, stderr.suffix()),
		}
	}

	if waitErr != nil {
		logger.Warn("worker exited abnormally after result", "error", waitErr)
	}

	if resp.Error != "" {
		workerRunsTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, &HandlerError{Route: job.Route, Message: resp.Error}
	}

	workerRunsTotal.WithLabelValues(outcomeOK).Inc()
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

// readMessages reads WorkerMessage frames in a loop. Log lines are delivered
// to logWriter; the result message terminates the loop.
func readMessages(r io.Reader, logWriter func(string)) (WorkerResponse, error) {
	for {
		var msg WorkerMessage
		if err := ReadMessage(r, &msg); err != nil {
			return WorkerResponse{}, fmt.Errorf("read worker message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return WorkerResponse{}, fmt.Errorf("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return WorkerResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// suffix formats the captured stderr for appending to an error message.
func (t *tailBuffer) suffix() string {
	s := t.String()
	if s == "" {
		return ""
	}
	return ": " + s
}
