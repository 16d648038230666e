// Package queue provides the in-memory FIFO that carries submitted tasks
// from callers to the dispatcher.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")

	// ErrTooManyAcks is returned when Ack is called more times than entries were dequeued.
	ErrTooManyAcks = errors.New("ack called more times than entries dequeued")
)

// Entry is a submitted unit of work awaiting dispatch.
type Entry struct {
	TransactionID string
	Route         string
	Payload       json.RawMessage
}

// Queue is a thread-safe FIFO of entries. A positive capacity bounds the
// number of queued entries; Enqueue then waits for room.
type Queue struct {
	mu         sync.Mutex
	entries    []Entry
	closed     bool
	unfinished int

	signal chan struct{} // entry availability, buffered 1
	done   chan struct{} // closed by Close
	slots  chan struct{} // nil when unbounded
}

// New creates a queue. capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	q := &Queue{
		entries: make([]Entry, 0, 64),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if capacity > 0 {
		q.slots = make(chan struct{}, capacity)
	}
	return q
}

// Enqueue appends e to the back of the queue. On a bounded queue it waits
// until a slot frees up, ctx is done, or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	if q.slots != nil {
		select {
		case q.slots <- struct{}{}:
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.releaseSlot()
		return ErrClosed
	}

	q.entries = append(q.entries, e)
	q.unfinished++
	q.notify()
	return nil
}

// TryDequeue removes and returns the front entry without blocking.
func (q *Queue) TryDequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}

	e := q.entries[0]
	q.entries[0] = Entry{}
	if len(q.entries) == 1 {
		q.entries = q.entries[:0]
	} else {
		q.entries = q.entries[1:]
		// Pass the wakeup on so a second consumer sees the remaining entries.
		q.notify()
	}
	q.releaseSlot()
	return e, true
}

// DequeueTimeout blocks up to d for an entry. It returns false on timeout
// or when the queue is closed and empty.
func (q *Queue) DequeueTimeout(d time.Duration) (Entry, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		if e, ok := q.TryDequeue(); ok {
			return e, true
		}

		q.mu.Lock()
		drained := q.closed && len(q.entries) == 0
		q.mu.Unlock()
		if drained {
			return Entry{}, false
		}

		select {
		case <-q.signal:
		case <-q.done:
			// Closed: take anything still queued, then report drained.
			return q.TryDequeue()
		case <-timer.C:
			return Entry{}, false
		}
	}
}

// Ack marks one dequeued entry as fully processed.
func (q *Queue) Ack() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		return ErrTooManyAcks
	}
	q.unfinished--
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Unfinished returns the number of entries enqueued but not yet acknowledged.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Close rejects further enqueues and wakes blocked callers. Entries already
// queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// notify signals availability; the buffer of 1 coalesces signals. Callers hold mu.
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) releaseSlot() {
	if q.slots == nil {
		return
	}
	select {
	case <-q.slots:
	default:
	}
}
