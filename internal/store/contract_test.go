package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/offload/internal/model"
)

// testStoreContract runs the behaviour every Store implementation must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()

		if err := s.Insert(ctx, id, "echo", json.RawMessage(`{"x":1}`)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.TransactionID != id {
			t.Errorf("TransactionID = %q, want %q", got.TransactionID, id)
		}
		if got.Route != "echo" {
			t.Errorf("Route = %q, want echo", got.Route)
		}
		if got.Status != model.StatusPending {
			t.Errorf("Status = %q, want pending", got.Status)
		}
		if string(got.Payload) != `{"x":1}` {
			t.Errorf("Payload = %s, want {\"x\":1}", got.Payload)
		}
		if len(got.Result) != 0 {
			t.Errorf("Result = %s, want empty", got.Result)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}
		if got.FinishedAt != nil {
			t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
		}
	})

	t.Run("InsertDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()

		if err := s.Insert(ctx, id, "echo", nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		err := s.Insert(ctx, id, "other", nil)
		if !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("second Insert error = %v, want ErrDuplicateKey", err)
		}
		got, _ := s.Get(ctx, id)
		if got.Route != "echo" {
			t.Errorf("Route = %q after duplicate insert, want echo", got.Route)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateSetsResultOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()
		mustInsert(t, s, id, "echo")

		if err := s.Update(ctx, id, model.StatusReady, json.RawMessage(`{"ok":true}`)); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, _ := s.Get(ctx, id)
		if got.Status != model.StatusReady {
			t.Errorf("Status = %q, want ready", got.Status)
		}
		if string(got.Result) != `{"ok":true}` {
			t.Errorf("Result = %s", got.Result)
		}
		if got.FinishedAt == nil {
			t.Error("FinishedAt not set")
		}

		err := s.Update(ctx, id, model.StatusFailed, model.ErrorResult("late"))
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second Update error = %v, want ErrInvalidTransition", err)
		}
		got, _ = s.Get(ctx, id)
		if string(got.Result) != `{"ok":true}` {
			t.Errorf("Result rewritten to %s", got.Result)
		}
	})

	t.Run("UpdateRejectsNonTerminal", func(t *testing.T) {
		s := newStore(t)
		id := model.NewID()
		mustInsert(t, s, id, "echo")

		for _, st := range []model.Status{model.StatusPending, model.StatusCompleted} {
			err := s.Update(context.Background(), id, st, nil)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Update(%q) error = %v, want ErrInvalidTransition", st, err)
			}
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(context.Background(), "missing", model.StatusReady, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Update error = %v, want ErrNotFound", err)
		}
	})

	t.Run("CompleteArchives", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()
		mustInsert(t, s, id, "echo")
		mustUpdate(t, s, id, model.StatusFailed, model.ErrorResult("boom"))

		if err := s.Complete(ctx, id, false); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		got, _ := s.Get(ctx, id)
		if got.Status != model.StatusCompleted {
			t.Errorf("Status = %q, want completed", got.Status)
		}
		if model.ResultError(got.Result) != "boom" {
			t.Errorf("Result = %s, want error boom", got.Result)
		}

		// Completed is a fixed point.
		if err := s.Complete(ctx, id, false); err != nil {
			t.Errorf("Complete on completed: %v", err)
		}
		if err := s.Update(ctx, id, model.StatusReady, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Update on completed error = %v, want ErrInvalidTransition", err)
		}
		got, _ = s.Get(ctx, id)
		if got.Status != model.StatusCompleted {
			t.Errorf("Status = %q after rejected writes, want completed", got.Status)
		}
	})

	t.Run("CompletePendingRejected", func(t *testing.T) {
		s := newStore(t)
		id := model.NewID()
		mustInsert(t, s, id, "echo")

		err := s.Complete(context.Background(), id, false)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Complete error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("CompletePurge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()
		mustInsert(t, s, id, "echo")

		if err := s.Complete(ctx, id, true); err != nil {
			t.Fatalf("Complete purge: %v", err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after purge error = %v, want ErrNotFound", err)
		}
		if err := s.Complete(ctx, id, true); !errors.Is(err, ErrNotFound) {
			t.Errorf("second purge error = %v, want ErrNotFound", err)
		}
		if err := s.Complete(ctx, id, false); !errors.Is(err, ErrNotFound) {
			t.Errorf("archive after purge error = %v, want ErrNotFound", err)
		}
	})

	t.Run("AcknowledgeReady", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()
		mustInsert(t, s, id, "echo")

		got, err := s.Acknowledge(ctx, id)
		if err != nil {
			t.Fatalf("Acknowledge pending: %v", err)
		}
		if got.Status != model.StatusPending {
			t.Errorf("pending Acknowledge status = %q", got.Status)
		}

		mustUpdate(t, s, id, model.StatusReady, json.RawMessage(`42`))

		got, err = s.Acknowledge(ctx, id)
		if err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}
		if got.Status != model.StatusReady {
			t.Errorf("first Acknowledge status = %q, want ready", got.Status)
		}
		if string(got.Result) != "42" {
			t.Errorf("Result = %s, want 42", got.Result)
		}

		got, err = s.Acknowledge(ctx, id)
		if err != nil {
			t.Fatalf("second Acknowledge: %v", err)
		}
		if got.Status != model.StatusCompleted {
			t.Errorf("second Acknowledge status = %q, want completed", got.Status)
		}
		if string(got.Result) != "42" {
			t.Errorf("Result after completion = %s, want 42", got.Result)
		}
	})

	t.Run("AcknowledgeFailedUnchanged", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()
		mustInsert(t, s, id, "nope")
		mustUpdate(t, s, id, model.StatusFailed, model.ErrorResult("unknown route"))

		for i := 0; i < 2; i++ {
			got, err := s.Acknowledge(ctx, id)
			if err != nil {
				t.Fatalf("Acknowledge: %v", err)
			}
			if got.Status != model.StatusFailed {
				t.Errorf("Acknowledge #%d status = %q, want failed", i, got.Status)
			}
		}
	})

	t.Run("AcknowledgeConcurrentSingleReady", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := model.NewID()
		mustInsert(t, s, id, "echo")
		mustUpdate(t, s, id, model.StatusReady, json.RawMessage(`1`))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			ready int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.Acknowledge(ctx, id)
				if err != nil {
					t.Errorf("Acknowledge: %v", err)
					return
				}
				if got.Status == model.StatusReady {
					mu.Lock()
					ready++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if ready != 1 {
			t.Errorf("%d callers observed ready, want exactly 1", ready)
		}
	})

	t.Run("ListAndStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 3; i++ {
			id := model.NewID()
			ids = append(ids, id)
			mustInsert(t, s, id, fmt.Sprintf("route-%d", i%2))
		}
		mustUpdate(t, s, ids[0], model.StatusReady, json.RawMessage(`{}`))

		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("List returned %d records, want 3", len(all))
		}
		seen := map[string]bool{}
		for _, task := range all {
			seen[task.TransactionID] = true
		}
		for _, id := range ids {
			if !seen[id] {
				t.Errorf("List missing %s", id)
			}
		}

		pending, err := s.ListByStatus(ctx, model.StatusPending)
		if err != nil {
			t.Fatalf("ListByStatus: %v", err)
		}
		if len(pending) != 2 {
			t.Errorf("ListByStatus(pending) returned %d, want 2", len(pending))
		}

		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Total != 3 {
			t.Errorf("Total = %d, want 3", stats.Total)
		}
		if stats.ByState["pending"] != 2 || stats.ByState["ready"] != 1 {
			t.Errorf("ByState = %v", stats.ByState)
		}
		if stats.ByRoute["route-0"] != 2 || stats.ByRoute["route-1"] != 1 {
			t.Errorf("ByRoute = %v", stats.ByRoute)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := newStore(t)
		all, err := s.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if all == nil || len(all) != 0 {
			t.Errorf("List = %v, want empty non-nil slice", all)
		}
	})

	t.Run("PurgeCompleted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		done := model.NewID()
		mustInsert(t, s, done, "echo")
		mustUpdate(t, s, done, model.StatusReady, json.RawMessage(`1`))
		if err := s.Complete(ctx, done, false); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		ready := model.NewID()
		mustInsert(t, s, ready, "echo")
		mustUpdate(t, s, ready, model.StatusReady, json.RawMessage(`2`))

		n, err := s.PurgeCompleted(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("PurgeCompleted: %v", err)
		}
		if n != 0 {
			t.Errorf("PurgeCompleted with old cutoff removed %d, want 0", n)
		}

		n, err = s.PurgeCompleted(ctx, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("PurgeCompleted: %v", err)
		}
		if n != 1 {
			t.Errorf("PurgeCompleted removed %d, want 1", n)
		}
		if _, err := s.Get(ctx, done); !errors.Is(err, ErrNotFound) {
			t.Errorf("completed record still present: %v", err)
		}
		if _, err := s.Get(ctx, ready); err != nil {
			t.Errorf("ready record purged: %v", err)
		}
	})
}

func mustInsert(t *testing.T, s Store, id, route string) {
	t.Helper()
	if err := s.Insert(context.Background(), id, route, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func mustUpdate(t *testing.T, s Store, id string, status model.Status, result json.RawMessage) {
	t.Helper()
	if err := s.Update(context.Background(), id, status, result); err != nil {
		t.Fatalf("Update: %v", err)
	}
}
