package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/offload/internal/processor"
)

// maxResultSize leaves room for the envelope inside one frame.
const maxResultSize = MaxMessageSize - 1024

// ServeWorker is the child side of the process executor. It reads one
// WorkerRequest from r, runs the handler, streams log lines to w and finishes
// with a single result message. The returned error covers protocol failures
// only; handler failures travel back inside the result.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, reg *processor.Registry, logger *slog.Logger) error {
	var req WorkerRequest
	if err := ReadMessage(r, &req); err != nil {
		sendResult(w, nil, WorkerResponse{Error: fmt.Sprintf("read request: %v", err)})
		return fmt.Errorf("read request: %w", err)
	}

	logger = logger.With("transaction_id", req.TransactionID, "route", req.Route)
	logger.Debug("worker: request received")

	// Mutex protects concurrent writes to w from handler goroutines.
	var writeMu sync.Mutex
	ctx = processor.WithLogFunc(ctx, func(line string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := WriteMessage(w, &WorkerMessage{Type: MsgTypeLog, Line: line}); err != nil {
			logger.Warn("worker: write log line", "error", err)
		}
	})

	var resp WorkerResponse
	result, err := invoke(ctx, reg, req.Route, req.Payload)
	if err != nil {
		resp.Error = err.Error()
		logger.Debug("worker: handler failed", "error", err)
	} else if len(result) > maxResultSize {
		resp.Error = fmt.Sprintf("result size %d exceeds maximum %d", len(result), maxResultSize)
	} else {
		resp.Result = result
	}

	return sendResult(w, &writeMu, resp)
}

// sendResult sends the final WorkerResponse wrapped in a WorkerMessage.
func sendResult(w io.Writer, mu *sync.Mutex, resp WorkerResponse) error {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	msg := WorkerMessage{
		Type:     MsgTypeResult,
		Response: &resp,
	}
	if err := WriteMessage(w, &msg); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
