package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

func TestWithLockedTaskAbsent(t *testing.T) {
	c := setupTestClient(t)

	called := false
	_, found, err := WithLockedTask(context.Background(), c, 4040, func(tc *TaskControl) (int, error) {
		called = true
		return 1, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, called)

	_, found, err = WithLockedRootTask(context.Background(), c, 4040, func(tc *TaskControl, task *session.StoredTask) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWithLockedTaskMutualExclusion(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned, childSpec{name: "a"})
	id := g.ids["a"]
	forceState(t, c, id, session.StateReady)

	var (
		inside      int32
		overlapped  atomic.Bool
		transitions int32
		observed    sync.Map
		wg          sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, found, err := WithLockedTask(ctx, c, id, func(tc *TaskControl) (bool, error) {
				if atomic.AddInt32(&inside, 1) > 1 {
					overlapped.Store(true)
				}
				defer atomic.AddInt32(&inside, -1)

				observed.Store(i, tc.State())
				time.Sleep(20 * time.Millisecond)
				if tc.State() != session.StateReady {
					return false, nil
				}
				ok, err := tc.SetState(session.StateRunning)
				if ok {
					atomic.AddInt32(&transitions, 1)
				}
				return ok, err
			})
			assert.NoError(t, err)
			assert.True(t, found)
		}(i)
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "lock callbacks overlapped")
	assert.Equal(t, int32(1), transitions)

	readyCount := 0
	observed.Range(func(_, v any) bool {
		state := v.(session.TaskStateCode)
		assert.Contains(t, []session.TaskStateCode{session.StateReady, session.StateRunning}, state)
		if state == session.StateReady {
			readyCount++
		}
		return true
	})
	assert.Equal(t, 1, readyCount, "only the first locker sees the pre-mutation state")
	assert.Equal(t, session.StateRunning, mustTask(t, c, id).State)
}

func TestLockCallbackErrorRollsBack(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned, childSpec{name: "a"})
	id := g.ids["a"]
	forceState(t, c, id, session.StateReady)

	boom := errors.New("boom")
	_, found, err := WithLockedTask(ctx, c, id, func(tc *TaskControl) (bool, error) {
		ok, err := tc.SetState(session.StateRunning)
		require.NoError(t, err)
		require.True(t, ok)
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, found)
	assert.Equal(t, session.StateReady, mustTask(t, c, id).State)
}

func TestLockCallbackPanicRollsBack(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned, childSpec{name: "a"})
	id := g.ids["a"]
	forceState(t, c, id, session.StateReady)

	assert.Panics(t, func() {
		_, _, _ = WithLockedTask(ctx, c, id, func(tc *TaskControl) (bool, error) {
			_, _ = tc.SetState(session.StateRunning)
			panic("operator bug")
		})
	})
	assert.Equal(t, session.StateReady, mustTask(t, c, id).State)

	// the lock was released
	_, found, err := WithLockedTask(ctx, c, id, func(tc *TaskControl) (bool, error) {
		return tc.SetState(session.StateRunning)
	})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestWithLockedTaskDetails(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned, childSpec{name: "a"}, childSpec{name: "b", upstream: []string{"a"}})

	name, found, err := WithLockedTaskDetails(ctx, c, g.ids["b"], func(tc *TaskControl, task *session.StoredTask) (string, error) {
		assert.Equal(t, tc.ID(), task.ID)
		assert.Equal(t, []int64{g.ids["a"]}, task.Upstreams)
		return task.FullName, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "+flow+b", name)
}

func TestWithLockedRootTaskGrowsGraph(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned, childSpec{name: "a"})

	childID, found, err := WithLockedRootTask(ctx, c, g.session.ID, func(tc *TaskControl, root *session.StoredTask) (int64, error) {
		assert.True(t, root.IsRoot())
		id, err := tc.AddSubtask(session.Task{
			FullName:    "+flow+dynamic",
			State:       session.StateBlocked,
			LocalConfig: config.MustParse(`{"echo>":"hi"}`),
		})
		if err != nil {
			return 0, err
		}
		if err := tc.AddDependencies(id, []int64{g.ids["a"]}); err != nil {
			return 0, err
		}
		n, err := tc.PromoteBlockedChildren()
		if err != nil {
			return 0, err
		}
		assert.Equal(t, 1, n)
		return id, nil
	})
	require.NoError(t, err)
	require.True(t, found)

	child := mustTask(t, c, childID)
	assert.Equal(t, g.session.ID, child.SessionID)
	assert.Equal(t, g.root.ID, *child.ParentID)
	assert.Equal(t, session.StateBlocked, child.State)
	assert.Equal(t, []int64{g.ids["a"]}, child.Upstreams)

	progressible, _, err := WithLockedRootTask(ctx, c, g.session.ID, func(tc *TaskControl, _ *session.StoredTask) (bool, error) {
		return tc.IsAnyProgressibleChild()
	})
	require.NoError(t, err)
	assert.True(t, progressible)
}
