package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	store, err := New(":memory:")
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { store.Close() })
	return store
}

func importTestTags(t *testing.T, store *Store, count int) {
	tags := make([]tagscepter.Tag, count)
	for i := range tags {
		tags[i] = tagscepter.Tag{
			ID:             fmt.Sprintf("tag#%d", i),
			BranchID:       "main",
			SequenceNumber: i * 10, // Gaps are allowed
			CommitHash:     fmt.Sprintf("%040x", i),
		}
	}
	imported, err := store.ImportTags(context.Background(), tags...)
	require.NoError(t, err)
	require.Equal(t, count, imported)
}

func TestImportTags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	importTestTags(t, store, 5)

	t.Run("Re-importing known tags is a no-op", func(t *testing.T) {
		imported, err := store.ImportTags(ctx, tagscepter.Tag{ID: "tag#1", BranchID: "main", SequenceNumber: 10})
		require.NoError(t, err)
		assert.Equal(t, 0, imported)
	})
	t.Run("Taken sequence numbers are rejected", func(t *testing.T) {
		_, err := store.ImportTags(ctx, tagscepter.Tag{ID: "new", BranchID: "main", SequenceNumber: 20})
		assert.ErrorIs(t, err, tagscepter.ErrInvalidArgument)
	})
	t.Run("Failed imports are rolled back", func(t *testing.T) {
		_, err := store.ImportTags(ctx,
			tagscepter.Tag{ID: "fresh", BranchID: "main", SequenceNumber: 100},
			tagscepter.Tag{ID: "clash", BranchID: "main", SequenceNumber: 0},
		)
		require.Error(t, err)
		_, err = store.Tag(ctx, "fresh")
		assert.ErrorIs(t, err, tagscepter.ErrNotFound)
	})
	t.Run("Tag metadata survives", func(t *testing.T) {
		date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		_, err := store.ImportTags(ctx, tagscepter.Tag{ID: "v2", BranchID: "release", SequenceNumber: 2, Author: "jane", Message: "release", Date: date})
		require.NoError(t, err)
		tag, err := store.Tag(ctx, "v2")
		require.NoError(t, err)
		assert.Equal(t, "jane", tag.Author)
		assert.Equal(t, "release", tag.Message)
		assert.True(t, date.Equal(tag.Date), "Mismatch in tag date: %v", tag.Date)
	})
}

func TestTagSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	importTestTags(t, store, 5)

	pos, err := store.PositionOf(ctx, "tag#3")
	require.NoError(t, err)
	assert.Equal(t, 30, pos)

	tag, err := store.TagAt(ctx, "main", 20)
	require.NoError(t, err)
	assert.Equal(t, "tag#2", tag.ID)

	count, err := store.CountBetween(ctx, "main", 40, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	tags, err := store.TagsBetween(ctx, "main", 5, 30)
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.Equal(t, "tag#1", tags[0].ID)
	assert.Equal(t, "tag#3", tags[2].ID)

	_, err = store.TagAt(ctx, "main", 25)
	assert.ErrorIs(t, err, tagscepter.ErrNotFound)
	_, err = store.CountBetween(ctx, "dev", 0, 10)
	assert.ErrorIs(t, err, tagscepter.ErrNotFound)
	_, err = store.Tag(ctx, "nope")
	assert.ErrorIs(t, err, tagscepter.ErrNotFound)
}

func TestTaskHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	task := &tagscepter.Task{
		ID: "task", ProjectID: "project", BranchID: "main", GoodTagID: "tag#0", BadTagID: "tag#4",
		BuildService: "ci", Status: tagscepter.TaskActive, CurrentIteration: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveTask(ctx, task))

	it := &tagscepter.Iteration{
		ID: "it1", TaskID: "task", Number: 1, SearchRangeStart: 0, SearchRangeEnd: 40,
		CandidatesGenerated: []string{"tag#2"}, SelectedCandidates: []string{"tag#2"}, CreatedAt: now,
	}
	require.NoError(t, store.SaveIteration(ctx, it))

	job := &tagscepter.BuildJob{
		ID: "job1", TaskID: "task", IterationID: "it1", TagID: "tag#2", BuildService: "ci",
		Status: tagscepter.BuildPending, CreatedAt: now,
	}
	require.NoError(t, store.SaveBuildJob(ctx, job))

	t.Run("Unfinished build jobs are listed", func(t *testing.T) {
		jobs, err := store.ListUnfinishedBuildJobs(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Nil(t, jobs[0].StartedAt)
	})

	completed := now.Add(time.Minute)
	job.ExternalBuildID = "ext-1"
	job.Status = tagscepter.BuildSuccess
	job.Attempts = 2
	job.StartedAt = &now
	job.CompletedAt = &completed
	require.NoError(t, store.SaveBuildJob(ctx, job))

	t.Run("Build jobs are updated in place", func(t *testing.T) {
		got, err := store.GetBuildJobByExternalID(ctx, "ci", "ext-1")
		require.NoError(t, err)
		assert.Equal(t, "job1", got.ID)
		assert.Equal(t, tagscepter.BuildSuccess, got.Status)
		assert.Equal(t, 2, got.Attempts)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, completed.Equal(*got.CompletedAt))

		jobs, err := store.ListBuildJobs(ctx, "task")
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
		jobs, err = store.ListUnfinishedBuildJobs(ctx)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		_, err = store.GetBuildJobByExternalID(ctx, "other", "ext-1")
		assert.ErrorIs(t, err, tagscepter.ErrNotFound)
	})

	require.NoError(t, store.SaveFeedback(ctx, &tagscepter.Feedback{
		ID: "fb1", TaskID: "task", IterationID: "it1", BuildJobID: "job1", TagID: "tag#2",
		Type: tagscepter.Working, CreatedBy: "ci", CreatedAt: now.Add(2 * time.Minute),
	}))
	require.NoError(t, store.SaveFeedback(ctx, &tagscepter.Feedback{
		ID: "fb2", TaskID: "task", IterationID: "it1", BuildJobID: "job1", TagID: "tag#2",
		Type: tagscepter.Broken, Notes: "runtime only", CreatedBy: "alice", CreatedAt: now.Add(3 * time.Minute),
	}))

	it.CompletedAt = &completed
	require.NoError(t, store.SaveIteration(ctx, it))
	task.Status = tagscepter.TaskCompleted
	task.FinalProblematicTagID = "tag#2"
	task.ResolutionNotes = "done"
	require.NoError(t, store.SaveTask(ctx, task))

	t.Run("History reads back", func(t *testing.T) {
		got, err := store.GetTask(ctx, "task")
		require.NoError(t, err)
		assert.Equal(t, tagscepter.TaskCompleted, got.Status)
		assert.Equal(t, "tag#2", got.FinalProblematicTagID)
		assert.Equal(t, "done", got.ResolutionNotes)

		its, err := store.ListIterations(ctx, "task")
		require.NoError(t, err)
		require.Len(t, its, 1)
		assert.False(t, its[0].IsOpen())
		assert.Equal(t, []string{"tag#2"}, its[0].SelectedCandidates)

		feedback, err := store.ListFeedback(ctx, "task")
		require.NoError(t, err)
		require.Len(t, feedback, 2)
		assert.Equal(t, "fb1", feedback[0].ID)
		assert.Equal(t, tagscepter.Broken, feedback[1].Type)
		assert.Equal(t, "runtime only", feedback[1].Notes)

		tasks, err := store.ListTasks(ctx, tagscepter.TaskCompleted)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
		tasks, err = store.ListTasks(ctx, tagscepter.TaskActive)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("Deleting removes the whole history", func(t *testing.T) {
		require.NoError(t, store.DeleteTask(ctx, "task"))
		_, err := store.GetTask(ctx, "task")
		assert.ErrorIs(t, err, tagscepter.ErrNotFound)
		_, err = store.GetBuildJob(ctx, "job1")
		assert.ErrorIs(t, err, tagscepter.ErrNotFound)
		feedback, err := store.ListFeedback(ctx, "task")
		require.NoError(t, err)
		assert.Empty(t, feedback)

		assert.ErrorIs(t, store.DeleteTask(ctx, "task"), tagscepter.ErrNotFound)
	})
}

type instantBuildService struct{}

func (instantBuildService) TriggerBuild(_ context.Context, tag tagscepter.Tag) (string, error) {
	return "build-" + tag.ID, nil
}

func (instantBuildService) PollStatus(context.Context, string) (string, error) {
	return "success", nil
}

func TestEngineOnStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	importTestTags(t, store, 16)

	config := tagscepter.DefaultConfig()
	config.Poll.Schedule = ""
	config.DefaultBuildService = "ci"
	engine := &tagscepter.Engine{
		Config:        config,
		Tags:          store,
		Store:         store,
		BuildServices: map[string]tagscepter.BuildService{"ci": instantBuildService{}},
	}
	require.NoError(t, engine.Start())
	defer engine.Stop()

	task, err := engine.CreateTask(ctx, tagscepter.CreateTaskRequest{GoodTagID: "tag#0", BadTagID: "tag#15"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		engine.WaitForDispatches()
		details, err := engine.GetTask(ctx, task.ID)
		require.NoError(t, err)
		if details.Task.Status != tagscepter.TaskActive {
			break
		}
		job := details.BuildJobs[len(details.BuildJobs)-1]
		_, err = engine.ReconcileExternal(ctx, "ci", job.ExternalBuildID, "success")
		require.NoError(t, err)
		verdict := tagscepter.Broken
		if pos, _ := store.PositionOf(ctx, job.TagID); pos < 110 {
			verdict = tagscepter.Working
		}
		_, err = engine.SubmitFeedback(ctx, job.ID, verdict, "", "tester")
		require.NoError(t, err)
	}

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tagscepter.TaskCompleted, got.Status)
	assert.Equal(t, "tag#11", got.FinalProblematicTagID)

	replayed, err := engine.ReplayTask(ctx, task.ID)
	require.NoError(t, err)
	tag, _ := replayed.ProblematicTag()
	assert.Equal(t, "tag#11", tag.ID)
}
