package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// testClock is a settable store clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
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

// setupTestClient opens a migrated SQLite store in a temp directory.
func setupTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sessions.db")
	c, err := NewClient(context.Background(), Options{Type: TypeSQLite, Path: path}, zap.NewNop().Sugar(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Migrate(context.Background()))
	return c
}

// testGraph is a root grouping task with named children.
type testGraph struct {
	session *session.StoredSession
	root    *session.StoredTask
	ids     map[string]int64
}

type childSpec struct {
	name     string
	taskType session.TaskType
	upstream []string
}

// createGraph stores a session whose root is in rootState and whose children
// are all BLOCKED.
func createGraph(t *testing.T, c *Client, name string, rootState session.TaskStateCode, children ...childSpec) *testGraph {
	t.Helper()

	g := &testGraph{ids: map[string]int64{}}
	stored, err := c.NewSession(context.Background(), 1, session.Session{
		Name:   name,
		Params: config.MustParse(`{"env":"test"}`),
	}, nil, func(b *SessionBuilder) error {
		root, err := b.AddRootTask(session.Task{
			FullName: "+" + name,
			TaskType: session.TaskTypeGroupingOnly,
			State:    rootState,
		})
		if err != nil {
			return err
		}
		g.root = root

		for _, ch := range children {
			id, err := b.AddSubtask(session.Task{
				ParentID: &root.ID,
				FullName: "+" + name + "+" + ch.name,
				TaskType: ch.taskType,
				State:    session.StateBlocked,
			})
			if err != nil {
				return err
			}
			g.ids[ch.name] = id
		}
		for _, ch := range children {
			ups := make([]int64, 0, len(ch.upstream))
			for _, u := range ch.upstream {
				ups = append(ups, g.ids[u])
			}
			if err := b.AddDependencies(g.ids[ch.name], ups); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	g.session = stored
	return g
}

func mustTask(t *testing.T, c *Client, id int64) *session.StoredTask {
	t.Helper()
	task, err := c.GetTaskByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

func forceState(t *testing.T, c *Client, id int64, state session.TaskStateCode) {
	t.Helper()
	require.NoError(t, c.db.Exec(`UPDATE tasks SET state = ? WHERE id = ?`, int16(state), id).Error)
}

func forceCancelFlag(t *testing.T, c *Client, id int64) {
	t.Helper()
	require.NoError(t, c.db.Exec(`UPDATE tasks SET state_flags = 1 WHERE id = ?`, id).Error)
}
