package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/offload/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for a transaction id.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateKey is returned when inserting a transaction id that already exists.
	ErrDuplicateKey = errors.New("duplicate transaction id")

	// ErrInvalidTransition is returned when a task status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnavailable wraps failures of the underlying storage engine. Callers
	// may retry operations that fail with it.
	ErrUnavailable = errors.New("store unavailable")
)

// unavailable tags a storage engine error so that errors.Is(err, ErrUnavailable) holds.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Stats holds aggregate counts over the retained records.
type Stats struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_status"`
	ByRoute map[string]int `json:"by_route"`
}

func newStats() *Stats {
	return &Stats{
		ByState: make(map[string]int),
		ByRoute: make(map[string]int),
	}
}

// Store is the durable mapping from transaction id to task record.
// Implementations serialize all mutations internally; callers never lock.
type Store interface {
	// Insert creates a pending record with an empty result.
	Insert(ctx context.Context, id, route string, payload json.RawMessage) error

	// Update records the handler outcome. Only pending -> ready|failed is allowed.
	Update(ctx context.Context, id string, status model.Status, result json.RawMessage) error

	Get(ctx context.Context, id string) (*model.Task, error)

	// Complete archives a resolved record, or deletes it outright when purge
	// is set. Completing an already completed record is a no-op.
	Complete(ctx context.Context, id string, purge bool) error

	// Acknowledge returns the record as currently stored and, if it was
	// ready, marks it completed in the same critical section.
	Acknowledge(ctx context.Context, id string) (*model.Task, error)

	// List returns every retained record in creation order.
	List(ctx context.Context) ([]*model.Task, error)

	// ListByStatus returns records with the given status in creation order.
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error)

	// PurgeCompleted deletes completed records last updated before cutoff
	// and returns how many were removed.
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// completeTransition validates an archive request against the current status.
// It returns false when the record is already completed.
func completeTransition(current model.Status) (bool, error) {
	if current == model.StatusCompleted {
		return false, nil
	}
	if !model.ValidTransition(current, model.StatusCompleted) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, model.StatusCompleted)
	}
	return true, nil
}

// updateTransition validates a handler outcome write.
func updateTransition(current, next model.Status) error {
	if current != model.StatusPending || !model.ValidTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
