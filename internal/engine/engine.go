package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/offload/internal/executor"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/processor"
	"github.com/seantiz/offload/internal/queue"
	"github.com/seantiz/offload/internal/store"
)

const (
	// DefaultPollInterval is how long the dispatcher waits on an empty queue
	// before re-checking for a stop request.
	DefaultPollInterval = time.Second

	// DefaultTaskTimeout bounds a single handler invocation.
	DefaultTaskTimeout = 5 * time.Minute

	// DefaultRetryMaxElapsed bounds retries of a failing store write.
	DefaultRetryMaxElapsed = 30 * time.Second

	tracerName = "github.com/seantiz/offload/internal/engine"
)

var (
	// ErrNotRunning is returned by Submit when the engine has not been started.
	ErrNotRunning = errors.New("engine not running")

	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = errors.New("engine stopped")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrStopTimeout is returned by Stop when the dispatcher does not finish in time.
	ErrStopTimeout = errors.New("dispatcher did not stop before timeout")
)

// State is the dispatcher lifecycle state.
type State int32

// Dispatcher states.
const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets how long an idle dispatcher blocks on the queue.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithTaskTimeout sets the per-task deadline. Zero disables it.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.taskTimeout = d
		}
	}
}

// WithWorkers sets the number of dispatcher loops. With more than one,
// completion order may differ from submission order.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueCapacity bounds the submission queue. Zero means unbounded.
func WithQueueCapacity(n int) Option {
	return func(e *Engine) { e.queueCapacity = n }
}

// WithRetryMaxElapsed bounds how long a failing store write is retried.
func WithRetryMaxElapsed(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryMaxElapsed = d
		}
	}
}

// Engine owns the submission queue, the dispatcher and their collaborators.
type Engine struct {
	id       string
	store    store.Store
	registry *processor.Registry
	executor executor.Executor
	queue    *queue.Queue
	broker   *LogBroker
	logger   *slog.Logger
	tracer   trace.Tracer

	pollInterval    time.Duration
	taskTimeout     time.Duration
	retryMaxElapsed time.Duration
	workers         int
	queueCapacity   int

	lifecycle sync.Mutex
	state     atomic.Int32
	stopCh    chan struct{}
	stopped   chan struct{}
	wg        sync.WaitGroup
}

// New creates an engine. It does not start dispatching until Start is called.
func New(s store.Store, reg *processor.Registry, exec executor.Executor, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		id:              uuid.NewString(),
		store:           s,
		registry:        reg,
		executor:        exec,
		broker:          NewLogBroker(),
		tracer:          otel.Tracer(tracerName),
		pollInterval:    DefaultPollInterval,
		taskTimeout:     DefaultTaskTimeout,
		retryMaxElapsed: DefaultRetryMaxElapsed,
		workers:         1,
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = queue.New(e.queueCapacity)
	e.logger = logger.With("engine_id", e.id)
	return e
}

// ID returns the unique id of this engine instance.
func (e *Engine) ID() string { return e.id }

// State returns the current dispatcher state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	dispatcherState.Set(float64(s))
}

// Broker returns the log broker for live handler output.
func (e *Engine) Broker() *LogBroker { return e.broker }

// Routes returns the registered route names.
func (e *Engine) Routes() []string { return e.registry.Routes() }

// QueueLen returns the number of tasks waiting for dispatch.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Mode returns the executor isolation mode.
func (e *Engine) Mode() string { return e.executor.Mode() }

// Start recovers tasks left pending by a previous run and launches the
// dispatcher loops.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.State() != StateIdle {
		return ErrAlreadyStarted
	}

	recovered, err := e.recoverPending(ctx)
	if err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}

	e.setState(StateRunning)
	for i := range e.workers {
		e.wg.Add(1)
		go e.run(i)
	}
	go func() {
		e.wg.Wait()
		e.setState(StateStopped)
		close(e.stopped)
	}()

	e.logger.Info("engine started",
		"workers", e.workers,
		"isolation", e.executor.Mode(),
		"task_timeout", e.taskTimeout.String(),
		"recovered", recovered,
	)
	return nil
}

// recoverPending re-enqueues records still pending in the store, oldest first.
func (e *Engine) recoverPending(ctx context.Context) (int, error) {
	pending, err := e.store.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		return 0, err
	}
	for _, t := range pending {
		if err := e.queue.Enqueue(ctx, queue.Entry{
			TransactionID: t.TransactionID,
			Route:         t.Route,
			Payload:       t.Payload,
		}); err != nil {
			return 0, err
		}
	}
	queueDepth.Set(float64(e.queue.Len()))
	return len(pending), nil
}

// Stop asks the dispatcher to finish its current task and exit, waiting up
// to timeout. Tasks still queued stay pending in the store and are picked
// up by the next Start. On timeout the dispatcher keeps draining in the
// background and ErrStopTimeout is returned.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycle.Lock()
	switch e.State() {
	case StateIdle:
		e.setState(StateStopped)
		e.queue.Close()
		close(e.stopped)
		e.lifecycle.Unlock()
		return nil
	case StateRunning:
		e.setState(StateDraining)
		close(e.stopCh)
		e.queue.Close()
	}
	e.lifecycle.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.stopped:
		e.logger.Info("engine stopped", "queued", e.queue.Len())
		return nil
	case <-timer.C:
		e.logger.Warn("engine stop timed out; dispatcher still busy",
			"timeout", timeout.String(),
		)
		return ErrStopTimeout
	}
}

// Submit records a pending task, queues it and returns its transaction id
// without waiting for execution.
func (e *Engine) Submit(ctx context.Context, route string, payload json.RawMessage) (string, error) {
	switch e.State() {
	case StateIdle:
		return "", ErrNotRunning
	case StateDraining, StateStopped:
		return "", ErrStopped
	}

	ctx, span := e.tracer.Start(ctx, "engine.submit", trace.WithAttributes(
		attribute.String("offload.route", route),
	))
	defer span.End()

	id := model.NewID()
	span.SetAttributes(attribute.String("offload.transaction_id", id))

	if err := e.store.Insert(ctx, id, route, payload); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("insert task: %w", err)
	}

	if err := e.queue.Enqueue(ctx, queue.Entry{
		TransactionID: id,
		Route:         route,
		Payload:       payload,
	}); err != nil {
		span.RecordError(err)
		// Do not leave a pending record nobody will dispatch.
		if perr := e.store.Complete(context.WithoutCancel(ctx), id, true); perr != nil {
			e.logger.Error("purge unqueued task", "transaction_id", id, "error", perr)
		}
		if errors.Is(err, queue.ErrClosed) {
			return "", ErrStopped
		}
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	tasksSubmittedTotal.Inc()
	queueDepth.Set(float64(e.queue.Len()))
	e.logger.Debug("task submitted", "transaction_id", id, "route", route)
	return id, nil
}

// Status returns the task record. Reading a ready record acknowledges it:
// the caller sees ready and the record becomes completed.
func (e *Engine) Status(ctx context.Context, id string) (*model.Task, error) {
	return e.store.Acknowledge(ctx, id)
}

// Peek returns the task record without acknowledging it.
func (e *Engine) Peek(ctx context.Context, id string) (*model.Task, error) {
	return e.store.Get(ctx, id)
}

// List returns every retained record.
func (e *Engine) List(ctx context.Context) ([]*model.Task, error) {
	return e.store.List(ctx)
}

// ListByStatus returns retained records with the given status.
func (e *Engine) ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	return e.store.ListByStatus(ctx, status)
}

// Purge hard-deletes a record. A task purged while still queued is skipped
// by the dispatcher.
func (e *Engine) Purge(ctx context.Context, id string) error {
	if err := e.store.Complete(ctx, id, true); err != nil {
		return err
	}
	e.broker.Forget(id)
	return nil
}

// Stats returns store aggregates.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.Stats(ctx)
}
