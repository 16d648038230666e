package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/store"
)

// handleStreamLogs streams a task's handler log lines as server-sent events.
// Lines logged before the client connected are replayed from the broker's
// backlog. The stream ends with a "done" event once the task resolves.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.engine.Peek(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task for logs", "transaction_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	// Subscribe before re-reading the status so a task that resolves in
	// between is seen either as closed or as resolved below.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	task, err := s.engine.Peek(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	logStreamsOpen.Inc()
	defer logStreamsOpen.Dec()

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if task.Status != model.StatusPending {
		// Already resolved: replay what is buffered without waiting.
		for {
			select {
			case line, ok := <-ch:
				if !ok {
					_ = writeSSEEvent(w, "done", string(task.Status))
					flush()
					return
				}
				if err := writeSSEData(w, line); err != nil {
					return
				}
			default:
				_ = writeSSEEvent(w, "done", string(task.Status))
				flush()
				return
			}
		}
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return // Client gone.
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
