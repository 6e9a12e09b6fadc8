package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

func TestNewSessionNamespaces(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	wf := 9

	site, err := c.NewSession(ctx, 1, session.Session{Name: "daily"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, session.NamespaceSite, site.NamespaceType)
	assert.Equal(t, 1, site.NamespaceID)

	repo, err := c.NewSession(ctx, 1, session.Session{Name: "daily"},
		&session.SessionRelation{RepositoryID: 4, RevisionID: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, session.NamespaceRepository, repo.NamespaceType)
	assert.Equal(t, 4, repo.NamespaceID)

	flow, err := c.NewSession(ctx, 1, session.Session{Name: "daily"},
		&session.SessionRelation{RepositoryID: 4, RevisionID: 2, WorkflowSourceID: &wf}, nil)
	require.NoError(t, err)
	assert.Equal(t, session.NamespaceWorkflow, flow.NamespaceType)
	assert.Equal(t, 9, flow.NamespaceID)
}

func TestNewSessionConflict(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	_, err := c.NewSession(ctx, 1, session.Session{Name: "nightly"}, nil, nil)
	require.NoError(t, err)

	called := false
	_, err = c.NewSession(ctx, 1, session.Session{Name: "nightly"}, nil, func(b *SessionBuilder) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, called)

	var resErr *ResourceError
	require.True(t, errors.As(err, &resErr))
	assert.Contains(t, resErr.Resource, "nightly")

	// same name on another site is a different namespace
	_, err = c.NewSession(ctx, 2, session.Session{Name: "nightly"}, nil, nil)
	assert.NoError(t, err)
}

func TestNewSessionBuilderErrorRollsBack(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	_, err := c.NewSession(ctx, 1, session.Session{Name: "broken"}, nil, func(b *SessionBuilder) error {
		if _, err := b.AddRootTask(session.Task{FullName: "+broken", State: session.StatePlanned}); err != nil {
			return err
		}
		return fmt.Errorf("definition invalid")
	})
	require.Error(t, err)

	_, err = c.SessionStore(1).GetSessionByName(ctx, "broken")
	assert.True(t, errors.Is(err, ErrNotFound))

	var count int64
	require.NoError(t, c.db.Model(&TaskModel{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSessionRoundTrip(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	sessionTime := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

	params := config.MustParse(`{"z":1,"a":{"y":true,"b":[1,2]},"m":"x"}`)
	stored, err := c.NewSession(ctx, 3, session.Session{
		Name:    "round-trip",
		Params:  params,
		Options: session.SessionOptions{Timezone: "Asia/Tokyo", SessionTime: &sessionTime},
	}, nil, nil)
	require.NoError(t, err)

	got, err := c.SessionStore(3).GetSessionByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, params.String(), got.Params.String())
	assert.Equal(t, "Asia/Tokyo", got.Options.Timezone)
	require.NotNil(t, got.Options.SessionTime)
	assert.True(t, sessionTime.Equal(*got.Options.SessionTime))

	byName, err := c.SessionStore(3).GetSessionByName(ctx, "round-trip")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, byName.ID)

	unscoped, err := c.GetSessionByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, unscoped.SiteID)
}

func TestSessionStoreIsSiteScoped(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	stored, err := c.NewSession(ctx, 1, session.Session{Name: "private"}, nil, nil)
	require.NoError(t, err)

	_, err = c.SessionStore(2).GetSessionByID(ctx, stored.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.SessionStore(2).GetSessionByName(ctx, "private")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.SessionStore(2).GetRootState(ctx, stored.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.GetSessionByID(ctx, 12345)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetSessionsPagination(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()
	wf := 7

	var ids []int64
	for i := 0; i < 5; i++ {
		var rel *session.SessionRelation
		if i%2 == 0 {
			rel = &session.SessionRelation{RepositoryID: 1, RevisionID: 1, WorkflowSourceID: &wf}
		}
		s, err := c.NewSession(ctx, 1, session.Session{Name: fmt.Sprintf("s%d", i)}, rel, nil)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	_, err := c.NewSession(ctx, 2, session.Session{Name: "other-site"}, nil, nil)
	require.NoError(t, err)

	store := c.SessionStore(1)

	page1, err := store.GetSessions(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, []int64{ids[4], ids[3], ids[2]}, sessionIDs(page1))

	page2, err := store.GetSessions(ctx, 3, page1[2].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1], ids[0]}, sessionIDs(page2))

	byWorkflow, err := store.GetSessionsOfWorkflow(ctx, wf, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[4], ids[2], ids[0]}, sessionIDs(byWorkflow))

	byRepo, err := store.GetSessionsOfRepository(ctx, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[4], ids[2]}, sessionIDs(byRepo))

	empty, err := c.SessionStore(3).GetSessions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetRootStateAndTasks(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	g := createGraph(t, c, "flow", session.StatePlanned,
		childSpec{name: "a"}, childSpec{name: "b", upstream: []string{"a"}}, childSpec{name: "c"})

	store := c.SessionStore(1)
	state, err := store.GetRootState(ctx, g.session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatePlanned, state)

	first, err := store.GetTasks(ctx, g.session.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, g.root.ID, first[0].ID)
	assert.Equal(t, g.ids["a"], first[1].ID)

	rest, err := store.GetTasks(ctx, g.session.ID, 10, first[1].ID)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, []int64{g.ids["a"]}, rest[0].Upstreams)

	none, err := c.SessionStore(5).GetTasks(ctx, g.session.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIsAnyNotDoneWorkflows(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	busy, err := c.IsAnyNotDoneWorkflows(ctx)
	require.NoError(t, err)
	assert.False(t, busy)

	g := createGraph(t, c, "flow", session.StatePlanned)
	busy, err = c.IsAnyNotDoneWorkflows(ctx)
	require.NoError(t, err)
	assert.True(t, busy)

	forceState(t, c, g.root.ID, session.StateSuccess)
	busy, err = c.IsAnyNotDoneWorkflows(ctx)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestGetStoreTime(t *testing.T) {
	c := setupTestClient(t)

	now, err := c.GetStoreTime(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now, time.Minute)
	assert.Equal(t, time.UTC, now.Location())
}

func TestPing(t *testing.T) {
	c := setupTestClient(t)
	assert.NoError(t, c.Ping(context.Background()))

	require.NoError(t, c.Close())
	assert.Error(t, c.Ping(context.Background()))
}

func sessionIDs(sessions []*session.StoredSession) []int64 {
	ids := make([]int64, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}
