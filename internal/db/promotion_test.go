package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/workgear/sessionstore/internal/session"
)

func TestPromoteBlockedChildren(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	g := createGraph(t, c, "flow", session.StatePlanned,
		childSpec{name: "c1"},
		childSpec{name: "c2", upstream: []string{"c1"}},
		childSpec{name: "c3", taskType: session.TaskTypeGroupingOnly},
		childSpec{name: "c4"},
	)
	forceCancelFlag(t, c, g.ids["c4"])

	n, err := c.PromoteBlockedChildren(ctx, g.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, session.StateReady, mustTask(t, c, g.ids["c1"]).State)
	assert.Equal(t, session.StateBlocked, mustTask(t, c, g.ids["c2"]).State)
	assert.Equal(t, session.StatePlanned, mustTask(t, c, g.ids["c3"]).State)
	assert.Equal(t, session.StateCanceled, mustTask(t, c, g.ids["c4"]).State)

	// nothing left to promote until c1 finishes
	n, err = c.PromoteBlockedChildren(ctx, g.root.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	forceState(t, c, g.ids["c1"], session.StateSuccess)
	n, err = c.PromoteBlockedChildren(ctx, g.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, session.StateReady, mustTask(t, c, g.ids["c2"]).State)
}

func TestPromoteRequiresRunnableParent(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StateBlocked, childSpec{name: "a"})

	n, err := c.PromoteBlockedChildren(ctx, g.root.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	forceState(t, c, g.root.ID, session.StateRunning)
	n, err = c.PromoteBlockedChildren(ctx, g.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentPromotionPromotesEachChildOnce(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	children := make([]childSpec, 12)
	for i := range children {
		children[i] = childSpec{name: string(rune('a' + i))}
	}
	g := createGraph(t, c, "flow", session.StatePlanned, children...)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.PromoteBlockedChildren(ctx, g.root.ID)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, len(children), total)
}

func TestIsAnyProgressibleChild(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned,
		childSpec{name: "a"},
		childSpec{name: "b", upstream: []string{"a"}},
	)

	// a is BLOCKED with no upstreams, so it can progress
	ok, err := c.IsAnyProgressibleChild(ctx, g.root.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// a failed: b waits on an upstream that will never unblock it
	forceState(t, c, g.ids["a"], session.StateError)
	ok, err = c.IsAnyProgressibleChild(ctx, g.root.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, state := range []session.TaskStateCode{session.StateReady, session.StateRunning, session.StatePlanned, session.StateRetryWaiting} {
		forceState(t, c, g.ids["a"], state)
		ok, err = c.IsAnyProgressibleChild(ctx, g.root.ID)
		require.NoError(t, err)
		assert.True(t, ok, state.String())
	}

	forceState(t, c, g.ids["a"], session.StateSuccess)
	forceState(t, c, g.ids["b"], session.StateSuccess)
	ok, err = c.IsAnyProgressibleChild(ctx, g.root.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanRunDownstreamIsConfigurable(t *testing.T) {
	c := setupTestClient(t, WithCanRunDownstream(session.StateSuccess, session.StatePlanned, session.StateError))
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned,
		childSpec{name: "a"},
		childSpec{name: "b", upstream: []string{"a"}},
	)
	forceState(t, c, g.ids["a"], session.StateError)

	ok, err := c.IsAnyProgressibleChild(ctx, g.root.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := c.PromoteBlockedChildren(ctx, g.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPromoteRetryWaitingIsGatedOnRetryAt(t *testing.T) {
	clock := newTestClock()
	c := setupTestClient(t, WithClock(clock.Now))
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned, childSpec{name: "a"}, childSpec{name: "b"})
	forceState(t, c, g.ids["a"], session.StateRunning)
	forceState(t, c, g.ids["b"], session.StatePlanned)

	ok, err := c.SetStateWithRetry(ctx, g.ids["a"], session.StateRunning, session.StateRetryWaiting, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.SetStateWithRetry(ctx, g.ids["b"], session.StatePlanned, session.StateGroupRetryWaiting, 20*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := c.PromoteRetryWaiting(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * time.Minute)
	n, err = c.PromoteRetryWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, session.StateReady, mustTask(t, c, g.ids["a"]).State)
	assert.Equal(t, session.StateGroupRetryWaiting, mustTask(t, c, g.ids["b"]).State)

	clock.Advance(10 * time.Minute)
	n, err = c.PromoteRetryWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, session.StateReady, mustTask(t, c, g.ids["b"]).State)
}

func TestPromoteRetryWaitingUnconditionalSweep(t *testing.T) {
	clock := newTestClock()
	c := setupTestClient(t, WithClock(clock.Now), WithUnconditionalRetrySweep())
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned, childSpec{name: "a"})
	forceState(t, c, g.ids["a"], session.StateRunning)

	ok, err := c.SetStateWithRetry(ctx, g.ids["a"], session.StateRunning, session.StateRetryWaiting, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := c.PromoteRetryWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, session.StateReady, mustTask(t, c, g.ids["a"]).State)
}

func TestCancelBlockedDescendants(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	g := createGraph(t, c, "flow", session.StatePlanned,
		childSpec{name: "a"},
		childSpec{name: "b", upstream: []string{"a"}},
		childSpec{name: "grp", taskType: session.TaskTypeGroupingOnly, upstream: []string{"a"}},
	)
	grp := g.ids["grp"]
	inner, err := c.AddSubtask(ctx, session.Task{
		SessionID: g.session.ID,
		ParentID:  &grp,
		FullName:  "+flow+grp+inner",
		State:     session.StateBlocked,
	})
	require.NoError(t, err)
	forceState(t, c, g.ids["a"], session.StateCanceled)

	n, found, err := WithLockedTask(ctx, c, g.root.ID, func(tc *TaskControl) (int, error) {
		return tc.CancelBlockedDescendants()
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, n)

	for _, id := range []int64{g.ids["b"], grp, inner} {
		assert.Equal(t, session.StateCanceled, mustTask(t, c, id).State)
	}

	// only BLOCKED rows move
	n, _, err = WithLockedTask(ctx, c, g.root.ID, func(tc *TaskControl) (int, error) {
		return tc.CancelBlockedDescendants()
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}
