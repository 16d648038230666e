package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/executor"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/processor"
	"github.com/seantiz/offload/internal/store"
)

// countingExecutor wraps an executor and records which routes reached it.
type countingExecutor struct {
	executor.Executor
	mu     sync.Mutex
	routes []string
}

func (c *countingExecutor) Execute(ctx context.Context, job executor.Job) (json.RawMessage, error) {
	c.mu.Lock()
	c.routes = append(c.routes, job.Route)
	c.mu.Unlock()
	return c.Executor.Execute(ctx, job)
}

func (c *countingExecutor) executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.routes...)
}

// gate is a handler that blocks until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) handler(ctx context.Context, payload json.RawMessage) (any, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestRegistry() *processor.Registry {
	reg := processor.NewRegistry()
	processor.RegisterBuiltins(reg)
	reg.Register("double", func(_ context.Context, payload json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	return reg
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, s store.Store, reg *processor.Registry, opts ...engine.Option) (*engine.Engine, *countingExecutor) {
	t.Helper()
	exec := &countingExecutor{Executor: executor.NewInlineExecutor(reg)}
	opts = append([]engine.Option{engine.WithPollInterval(20 * time.Millisecond)}, opts...)
	eng := engine.New(s, reg, exec, testLogger(), opts...)
	return eng, exec
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(5 * time.Second) })
}

// waitForStatus polls the store until the task reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id string, expected model.Status, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		if task.Status == expected {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestEchoScenario(t *testing.T) {
	s := newTestStore(t)
	g := newGate()
	reg := newTestRegistry()
	reg.Register("echo", g.handler)
	eng, _ := newTestEngine(t, s, reg)
	startEngine(t, eng)
	ctx := context.Background()

	id, err := eng.Submit(ctx, "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	<-g.started
	task, err := eng.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Empty(t, task.Result)

	close(g.release)
	waitForStatus(t, s, id, model.StatusReady, 5*time.Second)

	task, err = eng.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, task.Status)
	assert.JSONEq(t, `{"x":1}`, string(task.Result))

	task, err = eng.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.JSONEq(t, `{"x":1}`, string(task.Result))
}

func TestUnknownRouteFailsWithoutExecution(t *testing.T) {
	s := newTestStore(t)
	eng, exec := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)

	id, err := eng.Submit(context.Background(), "nope", json.RawMessage(`{}`))
	require.NoError(t, err)

	task := waitForStatus(t, s, id, model.StatusFailed, 5*time.Second)
	assert.Contains(t, model.ResultError(task.Result), "unknown route")
	assert.Contains(t, model.ResultError(task.Result), "nope")
	assert.Empty(t, exec.executed(), "unknown route must not reach the executor")
}

func TestHandlerErrorRecordedAsFailed(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)

	id, err := eng.Submit(context.Background(), "fail", json.RawMessage(`{"message":"bad input"}`))
	require.NoError(t, err)

	task := waitForStatus(t, s, id, model.StatusFailed, 5*time.Second)
	assert.Equal(t, "bad input", model.ResultError(task.Result))
	require.NotNil(t, task.FinishedAt)
}

func TestHandlerPanicRecordedAsFailed(t *testing.T) {
	s := newTestStore(t)
	reg := newTestRegistry()
	reg.Register("panic", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	eng, _ := newTestEngine(t, s, reg)
	startEngine(t, eng)

	id, err := eng.Submit(context.Background(), "panic", nil)
	require.NoError(t, err)

	task := waitForStatus(t, s, id, model.StatusFailed, 5*time.Second)
	assert.Contains(t, model.ResultError(task.Result), "boom")

	// The dispatcher survives and keeps serving.
	id2, err := eng.Submit(context.Background(), "double", json.RawMessage(`21`))
	require.NoError(t, err)
	task = waitForStatus(t, s, id2, model.StatusReady, 5*time.Second)
	assert.Equal(t, "42", string(task.Result))
}

func TestTaskTimeout(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry(), engine.WithTaskTimeout(50*time.Millisecond))
	startEngine(t, eng)

	id, err := eng.Submit(context.Background(), "sleep", json.RawMessage(`{"seconds":30}`))
	require.NoError(t, err)

	task := waitForStatus(t, s, id, model.StatusFailed, 5*time.Second)
	assert.Equal(t, "task timed out after 50ms", model.ResultError(task.Result))
}

func TestStatusNeverNotFoundAfterSubmit(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id, err := eng.Submit(ctx, "double", json.RawMessage(fmt.Sprint(i)))
		require.NoError(t, err)
		task, err := eng.Status(ctx, id)
		require.NoError(t, err, "status immediately after submit")
		assert.Contains(t, []model.Status{
			model.StatusPending, model.StatusReady, model.StatusFailed, model.StatusCompleted,
		}, task.Status)
	}
}

func TestStatusUnknownID(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)

	_, err := eng.Status(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFIFODispatchOrder(t *testing.T) {
	s := newTestStore(t)
	eng, exec := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := eng.Submit(ctx, "double", json.RawMessage(fmt.Sprint(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	last := waitForStatus(t, s, ids[len(ids)-1], model.StatusReady, 5*time.Second)

	// Serialized execution: every earlier task finished no later than the last.
	for i, id := range ids {
		task, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusReady, task.Status)
		assert.Equal(t, fmt.Sprint(i*2), string(task.Result))
		assert.False(t, task.FinishedAt.After(*last.FinishedAt))
	}
	assert.Len(t, exec.executed(), 10)
}

func TestConcurrentSubmitDistinctIDs(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry(), engine.WithWorkers(4))
	startEngine(t, eng)
	ctx := context.Background()

	const n = 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := eng.Submit(ctx, "double", json.RawMessage(fmt.Sprint(i)))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			mu.Lock()
			ids[id] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, ids, n)

	for id := range ids {
		waitForStatus(t, s, id, model.StatusReady, 5*time.Second)
	}
	all, err := eng.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func TestAcknowledgmentLawUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)
	ctx := context.Background()

	id, err := eng.Submit(ctx, "double", json.RawMessage(`5`))
	require.NoError(t, err)
	waitForStatus(t, s, id, model.StatusReady, 5*time.Second)

	var readyCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := eng.Status(ctx, id)
			if err != nil {
				t.Errorf("Status: %v", err)
				return
			}
			if task.Status == model.StatusReady {
				readyCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, readyCount.Load())
}

func TestFailedStatusIsNotAcknowledged(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)
	ctx := context.Background()

	id, err := eng.Submit(ctx, "does-not-exist", json.RawMessage(`{}`))
	require.NoError(t, err)
	waitForStatus(t, s, id, model.StatusFailed, 5*time.Second)

	for i := 0; i < 2; i++ {
		task, err := eng.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, task.Status)
	}
}

func TestSubmitRequiresRunningEngine(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry())

	_, err := eng.Submit(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, engine.ErrNotRunning)

	require.NoError(t, eng.Start(context.Background()))
	assert.ErrorIs(t, eng.Start(context.Background()), engine.ErrAlreadyStarted)
	require.NoError(t, eng.Stop(time.Second))
	assert.Equal(t, engine.StateStopped, eng.State())

	_, err = eng.Submit(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, engine.ErrStopped)

	all, err := eng.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "rejected submissions leave no records")
}

func TestStopWaitsForInFlightTask(t *testing.T) {
	s := newTestStore(t)
	g := newGate()
	reg := newTestRegistry()
	reg.Register("slow", g.handler)
	eng, _ := newTestEngine(t, s, reg)
	require.NoError(t, eng.Start(context.Background()))
	ctx := context.Background()

	inflight, err := eng.Submit(ctx, "slow", json.RawMessage(`"a"`))
	require.NoError(t, err)
	queued, err := eng.Submit(ctx, "slow", json.RawMessage(`"b"`))
	require.NoError(t, err)
	<-g.started

	err = eng.Stop(50 * time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrStopTimeout)
	assert.Equal(t, engine.StateDraining, eng.State())

	close(g.release)
	require.NoError(t, eng.Stop(5*time.Second))
	assert.Equal(t, engine.StateStopped, eng.State())

	task, err := s.Get(ctx, inflight)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, task.Status, "in-flight task finishes")

	task, err = s.Get(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status, "queued task stays pending")
}

func TestStartRecoversPendingTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Left behind by a previous process.
	id := model.NewID()
	require.NoError(t, s.Insert(ctx, id, "double", json.RawMessage(`4`)))

	eng, _ := newTestEngine(t, s, newTestRegistry())
	startEngine(t, eng)

	task := waitForStatus(t, s, id, model.StatusReady, 5*time.Second)
	assert.Equal(t, "8", string(task.Result))
}

func TestPurgeQueuedTaskSkipsExecution(t *testing.T) {
	s := newTestStore(t)
	g := newGate()
	reg := newTestRegistry()
	reg.Register("slow", g.handler)
	eng, exec := newTestEngine(t, s, reg)
	startEngine(t, eng)
	ctx := context.Background()

	_, err := eng.Submit(ctx, "slow", json.RawMessage(`1`))
	require.NoError(t, err)
	<-g.started

	victim, err := eng.Submit(ctx, "double", json.RawMessage(`1`))
	require.NoError(t, err)
	require.NoError(t, eng.Purge(ctx, victim))
	close(g.release)

	follow, err := eng.Submit(ctx, "double", json.RawMessage(`2`))
	require.NoError(t, err)
	waitForStatus(t, s, follow, model.StatusReady, 5*time.Second)

	_, err = s.Get(ctx, victim)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"slow", "double"}, exec.executed())
}

func TestLogLinesReachSubscribers(t *testing.T) {
	s := newTestStore(t)
	reg := newTestRegistry()
	release := make(chan struct{})
	reg.Register("chatty", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-release
		processor.Logf(ctx, "step %d", 1)
		processor.Logf(ctx, "step %d", 2)
		return "done", nil
	})
	eng, _ := newTestEngine(t, s, reg)
	startEngine(t, eng)

	id, err := eng.Submit(context.Background(), "chatty", nil)
	require.NoError(t, err)
	ch, unsub := eng.Broker().Subscribe(id)
	defer unsub()
	close(release)

	var lines []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case l, ok := <-ch:
			if !ok {
				done = true
				continue
			}
			lines = append(lines, l)
		case <-timeout:
			t.Fatal("log stream not closed")
		}
	}
	assert.Equal(t, []string{"step 1", "step 2"}, lines)

	unsub()
	assert.Zero(t, eng.Broker().Topics(), "broker state retained after task resolved")
}

// flakyStore fails the first n Update calls with ErrUnavailable.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) Update(ctx context.Context, id string, status model.Status, result json.RawMessage) error {
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: simulated outage", store.ErrUnavailable)
	}
	return f.Store.Update(ctx, id, status, result)
}

func TestOutcomeWriteRetriesWhileStoreUnavailable(t *testing.T) {
	base := newTestStore(t)
	fs := &flakyStore{Store: base}
	fs.failures.Store(3)

	eng, _ := newTestEngine(t, fs, newTestRegistry())
	startEngine(t, eng)

	id, err := eng.Submit(context.Background(), "double", json.RawMessage(`3`))
	require.NoError(t, err)

	task := waitForStatus(t, base, id, model.StatusReady, 10*time.Second)
	assert.Equal(t, "6", string(task.Result))
}

func TestOutcomeWriteGivesUpAfterMaxElapsed(t *testing.T) {
	base := newTestStore(t)
	fs := &flakyStore{Store: base}
	fs.failures.Store(1 << 30)

	eng, _ := newTestEngine(t, fs, newTestRegistry(), engine.WithRetryMaxElapsed(200*time.Millisecond))
	startEngine(t, eng)
	ctx := context.Background()

	id, err := eng.Submit(ctx, "double", json.RawMessage(`3`))
	require.NoError(t, err)

	// The dispatcher moves on; the record stays pending.
	fs.failures.Store(0)
	next, err := eng.Submit(ctx, "double", json.RawMessage(`4`))
	require.NoError(t, err)
	waitForStatus(t, base, next, model.StatusReady, 10*time.Second)

	task, err := base.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []model.Status{model.StatusPending, model.StatusReady}, task.Status)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", engine.StateIdle.String())
	assert.Equal(t, "running", engine.StateRunning.String())
	assert.Equal(t, "draining", engine.StateDraining.String())
	assert.Equal(t, "stopped", engine.StateStopped.String())
}

func TestEngineAccessors(t *testing.T) {
	s := newTestStore(t)
	eng, _ := newTestEngine(t, s, newTestRegistry())
	assert.NotEmpty(t, eng.ID())
	assert.Equal(t, executor.ModeInline, eng.Mode())
	assert.Equal(t, engine.StateIdle, eng.State())
	assert.Contains(t, eng.Routes(), "echo")
	assert.Equal(t, 0, eng.QueueLen())

	stats, err := eng.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}
