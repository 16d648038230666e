package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/offload/internal/executor"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/processor"
	"github.com/seantiz/offload/internal/queue"
	"github.com/seantiz/offload/internal/store"
)

// run is one dispatcher loop. It exits once a stop has been requested,
// never in the middle of a task.
func (e *Engine) run(worker int) {
	defer e.wg.Done()
	logger := e.logger.With("worker", worker)
	logger.Debug("dispatcher loop started")

	for {
		select {
		case <-e.stopCh:
			logger.Debug("dispatcher loop exiting")
			return
		default:
		}

		entry, ok := e.queue.DequeueTimeout(e.pollInterval)
		if !ok {
			continue
		}
		queueDepth.Set(float64(e.queue.Len()))

		e.dispatch(logger, entry)

		if err := e.queue.Ack(); err != nil {
			logger.Error("ack queue entry", "transaction_id", entry.TransactionID, "error", err)
		}
	}
}

// dispatch takes one entry through lookup, execution and the outcome write.
func (e *Engine) dispatch(logger *slog.Logger, entry queue.Entry) {
	id := entry.TransactionID
	logger = logger.With("transaction_id", id, "route", entry.Route)

	ctx, span := e.tracer.Start(context.Background(), "engine.dispatch", trace.WithAttributes(
		attribute.String("offload.transaction_id", id),
		attribute.String("offload.route", entry.Route),
	))
	defer span.End()

	if !e.reaffirm(ctx, logger, entry) {
		tasksProcessedTotal.WithLabelValues(outcomeSkipped).Inc()
		return
	}

	e.broker.Open(id)
	// No more log lines after this task resolves.
	defer e.broker.Close(id)

	if !e.registry.Has(entry.Route) {
		msg := (&processor.UnknownRouteError{Route: entry.Route}).Error()
		logger.Warn("task failed", "error", msg)
		span.SetStatus(codes.Error, msg)
		e.finish(ctx, logger, id, model.StatusFailed, model.ErrorResult(msg))
		return
	}

	execCtx := ctx
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := e.executor.Execute(execCtx, executor.Job{
		TransactionID: id,
		Route:         entry.Route,
		Payload:       entry.Payload,
		LogWriter: func(line string) {
			e.broker.Publish(id, line)
		},
	})
	elapsed := time.Since(start)

	if err != nil {
		msg := err.Error()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("task timed out after %s", e.taskTimeout)
		}
		taskDuration.WithLabelValues(string(model.StatusFailed)).Observe(elapsed.Seconds())
		logger.Warn("task failed", "error", msg, "duration_ms", elapsed.Milliseconds())
		span.SetStatus(codes.Error, msg)
		e.finish(ctx, logger, id, model.StatusFailed, model.ErrorResult(msg))
		return
	}

	taskDuration.WithLabelValues(string(model.StatusReady)).Observe(elapsed.Seconds())
	logger.Info("task ready", "duration_ms", elapsed.Milliseconds())
	e.finish(ctx, logger, id, model.StatusReady, result)
}

// reaffirm confirms the queued entry still has a pending record. It reports
// false for entries that were purged while queued or already resolved by an
// earlier delivery.
func (e *Engine) reaffirm(ctx context.Context, logger *slog.Logger, entry queue.Entry) bool {
	var rec *model.Task
	err := e.retry(ctx, logger, func() error {
		var err error
		rec, err = e.store.Get(ctx, entry.TransactionID)
		return err
	})

	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("task purged before dispatch; skipping")
		return false
	case err != nil:
		logger.Error("read task before dispatch", "error", err)
		return false
	case rec.Status != model.StatusPending:
		logger.Info("task already resolved; skipping redelivery", "status", string(rec.Status))
		return false
	}
	return true
}

// finish writes the outcome, retrying while the store is unavailable.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, id string, status model.Status, result json.RawMessage) {
	err := e.retry(ctx, logger, func() error {
		return e.store.Update(ctx, id, status, result)
	})

	switch {
	case err == nil:
		tasksProcessedTotal.WithLabelValues(string(status)).Inc()
	case errors.Is(err, store.ErrNotFound):
		tasksProcessedTotal.WithLabelValues(outcomeSkipped).Inc()
		logger.Info("task purged during execution; outcome discarded", "status", string(status))
	default:
		tasksProcessedTotal.WithLabelValues(outcomeStoreError).Inc()
		logger.Error("record task outcome", "status", string(status), "error", err)
	}
}

// retry runs op with exponential backoff while it fails with
// store.ErrUnavailable. Other errors end the retries immediately.
func (e *Engine) retry(ctx context.Context, logger *slog.Logger, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = e.retryMaxElapsed

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !errors.Is(err, store.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("store unavailable; retrying", "error", err, "retry_in", next.String())
	})
}
