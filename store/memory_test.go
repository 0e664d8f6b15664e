package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildstream-sub000/engine/pipeline"
)

func TestMemoryStoreCreateBuild(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithEvictionInterval(0))
	defer s.Close()

	tasks := []TaskRecord{
		{Element: "base.bst", Kind: pipeline.TaskBuild},
		{Element: "app.bst", Kind: pipeline.TaskBuild, Dependencies: []string{"base.bst/build"}},
	}

	build, err := s.CreateBuild(ctx, pipeline.IntentBuild, []string{"base.bst", "app.bst"}, tasks)
	require.NoError(t, err)
	require.NotNil(t, build)

	assert.NotEmpty(t, build.ID)
	assert.Equal(t, BuildPending, build.Status)
	require.Len(t, build.Tasks, 2)
	assert.Equal(t, TaskPending, build.Tasks[0].Status)
	assert.False(t, build.CreatedAt.IsZero())
}

func TestMemoryStoreGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithEvictionInterval(0))
	defer s.Close()

	created, err := s.CreateBuild(ctx, pipeline.IntentBuild, []string{"a.bst"}, []TaskRecord{{Element: "a.bst", Kind: pipeline.TaskBuild}})
	require.NoError(t, err)

	t.Run("existing build", func(t *testing.T) {
		build, err := s.GetBuild(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, build.ID)
	})

	t.Run("missing build", func(t *testing.T) {
		_, err := s.GetBuild(ctx, "nonexistent")
		require.Error(t, err)
	})

	t.Run("returns a copy", func(t *testing.T) {
		b1, _ := s.GetBuild(ctx, created.ID)
		b2, _ := s.GetBuild(ctx, created.ID)
		b1.Status = BuildRunning
		assert.NotEqual(t, b1.Status, b2.Status)
	})
}

func TestMemoryStoreUpdateBuild(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithEvictionInterval(0))
	defer s.Close()

	build, err := s.CreateBuild(ctx, pipeline.IntentBuild, []string{"a.bst"}, []TaskRecord{{Element: "a.bst", Kind: pipeline.TaskBuild}})
	require.NoError(t, err)

	build.Status = BuildSuccess
	now := time.Now()
	build.FinishedAt = &now
	require.NoError(t, s.UpdateBuild(ctx, build))

	got, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, BuildSuccess, got.Status)

	active, err := s.ListActiveBuilds(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "terminal build should drop out of the active index")

	err = s.UpdateBuild(ctx, &Build{ID: "nope"})
	require.Error(t, err)
}

func TestMemoryStoreListBuildsOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithEvictionInterval(0))
	defer s.Close()

	first, err := s.CreateBuild(ctx, pipeline.IntentBuild, nil, nil)
	require.NoError(t, err)
	second, err := s.CreateBuild(ctx, pipeline.IntentFetch, nil, nil)
	require.NoError(t, err)

	builds, err := s.ListBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, first.ID, builds[0].ID)
	assert.Equal(t, second.ID, builds[1].ID)
}

func TestMemoryStoreClaimReadyTaskRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithEvictionInterval(0))
	defer s.Close()

	tasks := []TaskRecord{
		{Element: "base.bst", Kind: pipeline.TaskBuild},
		{Element: "app.bst", Kind: pipeline.TaskBuild, Dependencies: []string{"base.bst/build"}},
	}
	build, err := s.CreateBuild(ctx, pipeline.IntentBuild, []string{"base.bst", "app.bst"}, tasks)
	require.NoError(t, err)

	claimed, err := s.ClaimReadyTask(ctx, build.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "base.bst", claimed.Element)
	assert.Equal(t, TaskRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	// app.bst isn't ready yet: its dependency hasn't finished.
	next, err := s.ClaimReadyTask(ctx, build.ID)
	require.NoError(t, err)
	assert.Nil(t, next)

	claimed.Status = TaskDone
	now := time.Now()
	claimed.FinishedAt = &now
	require.NoError(t, s.UpdateTaskRecord(ctx, build.ID, claimed))

	ready, err := s.ClaimReadyTask(ctx, build.ID)
	require.NoError(t, err)
	require.NotNil(t, ready)
	assert.Equal(t, "app.bst", ready.Element)
}

func TestMemoryStoreEvictsOldCompletedBuilds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithEvictionInterval(0), WithMaxCompletedBuilds(1), WithBuildTTL(0))
	defer s.Close()

	old, err := s.CreateBuild(ctx, pipeline.IntentBuild, nil, nil)
	require.NoError(t, err)
	old.Status = BuildSuccess
	past := time.Now().Add(-time.Hour)
	old.FinishedAt = &past
	require.NoError(t, s.UpdateBuild(ctx, old))

	recent, err := s.CreateBuild(ctx, pipeline.IntentBuild, nil, nil)
	require.NoError(t, err)
	recent.Status = BuildSuccess
	now := time.Now()
	recent.FinishedAt = &now
	require.NoError(t, s.UpdateBuild(ctx, recent))

	s.evictOldBuilds()

	_, err = s.GetBuild(ctx, old.ID)
	require.Error(t, err, "oldest completed build beyond the retention cap should be evicted")

	_, err = s.GetBuild(ctx, recent.ID)
	require.NoError(t, err)
}
