package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/sessionstore/internal/db"
	"github.com/sunshow/workgear/sessionstore/internal/event"
	"github.com/sunshow/workgear/sessionstore/internal/operator"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

const testSiteID = 1

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recorder) record(e *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEngine struct {
	db       *db.Client
	bus      *event.Bus
	registry *operator.Registry
	executor *Executor
	clock    *testClock
	events   *recorder
}

func setupEngine(t *testing.T, opts ...db.Option) *testEngine {
	t.Helper()

	logger := zap.NewNop().Sugar()
	clock := newTestClock()
	opts = append([]db.Option{db.WithClock(clock.Now)}, opts...)

	path := filepath.Join(t.TempDir(), "engine.db")
	c, err := db.NewClient(context.Background(), db.Options{Type: db.TypeSQLite, Path: path}, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Migrate(context.Background()))

	bus := event.NewBus(logger)
	rec := &recorder{}
	bus.Subscribe("*", rec.record)

	registry := operator.NewRegistry()
	operator.RegisterBuiltins(registry, logger)

	return &testEngine{
		db:       c,
		bus:      bus,
		registry: registry,
		executor: NewExecutor(c, bus, registry, logger, ExecutorOptions{BatchSize: 10, Concurrency: 2, Clock: clock.Now}),
		clock:    clock,
		events:   rec,
	}
}

func (te *testEngine) submit(t *testing.T, yaml string) *session.StoredSession {
	t.Helper()
	def, err := ParseDefinition([]byte(yaml))
	require.NoError(t, err)
	s, err := te.executor.Submit(context.Background(), def, SubmitRequest{SiteID: testSiteID})
	require.NoError(t, err)
	return s
}

func (te *testEngine) rootState(t *testing.T, sessionID int64) session.TaskStateCode {
	t.Helper()
	state, err := te.db.SessionStore(testSiteID).GetRootState(context.Background(), sessionID)
	require.NoError(t, err)
	return state
}

// runUntilDone ticks the executor until the session root is done.
func (te *testEngine) runUntilDone(t *testing.T, sessionID int64) session.TaskStateCode {
	t.Helper()
	for i := 0; i < 50; i++ {
		_, err := te.executor.Tick(context.Background())
		require.NoError(t, err)
		if state := te.rootState(t, sessionID); state.IsDone() {
			return state
		}
	}
	t.Fatalf("session %d did not finish", sessionID)
	return 0
}

// tasksByName loads every task of a session keyed by full name.
func (te *testEngine) tasksByName(t *testing.T, sessionID int64) map[string]*session.StoredTask {
	t.Helper()
	tasks, err := te.db.SessionStore(testSiteID).GetTasks(context.Background(), sessionID, 100, 0)
	require.NoError(t, err)
	out := make(map[string]*session.StoredTask, len(tasks))
	for _, task := range tasks {
		out[task.FullName] = task
	}
	return out
}

// flakyOperator fails its first failures runs.
type flakyOperator struct {
	name     string
	failures int
	err      func(attempt int) error

	mu    sync.Mutex
	calls int
}

func (f *flakyOperator) Name() string { return f.name }

func (f *flakyOperator) Run(ctx context.Context, req *operator.Request) (*operator.Result, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()

	if calls <= f.failures {
		if f.err != nil {
			return nil, f.err(req.Attempt)
		}
		return nil, errors.New("transient failure")
	}
	return &operator.Result{}, nil
}

func (f *flakyOperator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
