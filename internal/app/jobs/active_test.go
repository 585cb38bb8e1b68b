package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain/job"
)

func sheetByName(t *testing.T, group *job.Group, name string) *job.Sheet {
	t.Helper()
	for _, sheet := range group.Sheets() {
		if sheet.Name() == name {
			return sheet
		}
	}
	t.Fatalf("sheet %q not found", name)
	return nil
}

func TestActiveAddGroupIsAtomic(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})

	// Submit already added it; a second add must refuse.
	assert.False(t, e.active.AddGroup(ctx, group))
	assert.Equal(t, 1, e.active.GroupCount())

	// The initial snapshots were persisted.
	snap, err := e.store.GetGroup(ctx, group.ID())
	require.NoError(t, err)
	assert.Equal(t, job.GroupStatusPending, snap.Status)
}

func TestActiveStartGroupDispatchesPendingSheets(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3, "Q2": 2})

	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	assert.Equal(t, 2, e.backend.enqueueCount())
	assert.Equal(t, job.GroupStatusRunning, group.Status())
	for _, sheet := range group.Sheets() {
		assert.Equal(t, job.SheetStatusRunning, sheet.Status())
		assert.NotEmpty(t, sheet.Handle())

		snap, err := e.store.GetSheet(ctx, sheet.ID())
		require.NoError(t, err)
		assert.Equal(t, job.SheetStatusRunning, snap.Status)
	}
}

func TestActiveStartGroupUnknown(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	err := e.active.StartGroup(context.Background(), uuid.New())
	assert.ErrorIs(t, err, job.ErrGroupNotFound)
}

func TestActiveEnqueueFailureFailsSheet(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	e.backend.enqueueErr = errors.New("facility down")

	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	sheet := sheetByName(t, group, "Q1")
	assert.Equal(t, job.SheetStatusFailed, sheet.Status())
}

func TestActivePauseResumeGroup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3, "Q2": 2})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	require.NoError(t, e.active.PauseGroup(ctx, group.ID()))
	assert.Equal(t, job.GroupStatusPaused, group.Status())
	for _, sheet := range group.Sheets() {
		assert.Equal(t, job.SheetStatusPaused, sheet.Status())
		assert.True(t, sheet.Signal().PauseRequested())
	}

	// Workers observed the pause and unwound, releasing their handles.
	for _, sheet := range group.Sheets() {
		sheet.ClearHandle()
	}

	dispatchedBefore := e.backend.enqueueCount()
	require.NoError(t, e.active.ResumeGroup(ctx, group.ID()))
	assert.Equal(t, job.GroupStatusRunning, group.Status())
	for _, sheet := range group.Sheets() {
		assert.Equal(t, job.SheetStatusRunning, sheet.Status())
		assert.False(t, sheet.Signal().PauseRequested())
	}

	// No execution is in flight, so both sheets were re-dispatched.
	assert.Equal(t, dispatchedBefore+2, e.backend.enqueueCount())
}

func TestActiveResumeSkipsQueuedSheet(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	// The sheet is queued behind a saturated pool: handle set, no worker yet.
	q1 := sheetByName(t, group, "Q1")
	require.NotEmpty(t, q1.Handle())
	require.False(t, q1.Executing())

	require.NoError(t, e.active.PauseSheet(ctx, q1.ID()))
	require.NoError(t, e.active.ResumeSheet(ctx, q1.ID()))

	assert.Equal(t, job.SheetStatusRunning, q1.Status())
	assert.Equal(t, 1, e.backend.enqueueCount(),
		"the queued execution is still live; resume must not dispatch a second one")
}

func TestActiveResumeEnqueueFailureFailsSheet(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	q1 := sheetByName(t, group, "Q1")
	require.NoError(t, e.active.PauseSheet(ctx, q1.ID()))
	q1.ClearHandle()

	e.backend.enqueueErr = errors.New("facility down")
	require.NoError(t, e.active.ResumeSheet(ctx, q1.ID()))

	assert.Equal(t, job.SheetStatusFailed, q1.Status())
}

func TestActiveResumeSkipsExecutingSheet(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	sheet := sheetByName(t, group, "Q1")
	sheet.MarkExecuting(true)
	require.NoError(t, e.active.PauseGroup(ctx, group.ID()))

	dispatchedBefore := e.backend.enqueueCount()
	require.NoError(t, e.active.ResumeGroup(ctx, group.ID()))

	assert.Equal(t, job.SheetStatusRunning, sheet.Status())
	assert.Equal(t, dispatchedBefore, e.backend.enqueueCount(), "executing sheet must not be re-dispatched")
}

func TestActiveCancelGroupArchives(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3, "Q2": 2})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	require.NoError(t, e.active.CancelGroup(ctx, group.ID()))

	// No worker was executing, so the group leaves the collection directly.
	_, stillActive := e.active.Group(group.ID())
	assert.False(t, stillActive)

	archived, ok := e.completed.Group(group.ID())
	require.True(t, ok)
	assert.Equal(t, job.GroupStatusCancelled, archived.Status())
	assert.True(t, archived.Released())

	snap, err := e.store.GetGroup(ctx, group.ID())
	require.NoError(t, err)
	assert.Equal(t, job.GroupStatusCancelled, snap.Status)
}

func TestActiveCancelGroupWaitsForExecutingWorker(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	sheet := sheetByName(t, group, "Q1")
	sheet.MarkExecuting(true)

	require.NoError(t, e.active.CancelGroup(ctx, group.ID()))

	// The worker has not unwound yet; the group must stay active.
	_, stillActive := e.active.Group(group.ID())
	assert.True(t, stillActive)

	// Worker unwinds and reports back; now the group is archived.
	sheet.MarkExecuting(false)
	e.active.SheetCompleted(ctx, sheet.ID())

	_, stillActive = e.active.Group(group.ID())
	assert.False(t, stillActive)
	_, archived := e.completed.Group(group.ID())
	assert.True(t, archived)
}

func TestActiveCancelAndRemoveGroup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	require.NoError(t, e.active.CancelAndRemoveGroup(ctx, group.ID()))

	_, stillActive := e.active.Group(group.ID())
	assert.False(t, stillActive)
	_, archived := e.completed.Group(group.ID())
	assert.False(t, archived, "removed group must not be archived")
	assert.True(t, group.Released())

	_, err := e.store.GetGroup(ctx, group.ID())
	assert.ErrorIs(t, err, job.ErrNoSnapshot)
}

func TestActiveCancelAndRemoveSheetCascades(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3, "Q2": 2})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	q1 := sheetByName(t, group, "Q1")
	q2 := sheetByName(t, group, "Q2")

	require.NoError(t, e.active.CancelAndRemoveSheet(ctx, q1.ID()))
	assert.Equal(t, 1, group.SheetCount())
	_, err := e.store.GetSheet(ctx, q1.ID())
	assert.ErrorIs(t, err, job.ErrNoSnapshot)

	// Removing the last sheet removes the whole group.
	require.NoError(t, e.active.CancelAndRemoveSheet(ctx, q2.ID()))
	_, stillActive := e.active.Group(group.ID())
	assert.False(t, stillActive)
	_, err = e.store.GetGroup(ctx, group.ID())
	assert.ErrorIs(t, err, job.ErrNoSnapshot)
}

func TestActiveSheetControls(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3, "Q2": 2})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))

	q1 := sheetByName(t, group, "Q1")
	q2 := sheetByName(t, group, "Q2")

	require.NoError(t, e.active.PauseSheet(ctx, q1.ID()))
	assert.Equal(t, job.SheetStatusPaused, q1.Status())
	// One member still running keeps the aggregate running.
	assert.Equal(t, job.GroupStatusRunning, group.Status())

	require.NoError(t, e.active.ResumeSheet(ctx, q1.ID()))
	assert.Equal(t, job.SheetStatusRunning, q1.Status())

	require.NoError(t, e.active.CancelSheet(ctx, q1.ID()))
	assert.Equal(t, job.SheetStatusCancelled, q1.Status())
	assert.Equal(t, job.GroupStatusRunning, group.Status())

	require.NoError(t, e.active.CancelSheet(ctx, q2.ID()))
	// All members terminal; the group archived as cancelled.
	archived, ok := e.completed.Group(group.ID())
	require.True(t, ok)
	assert.Equal(t, job.GroupStatusCancelled, archived.Status())
}

func TestActivePauseAllResumeAll(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	g1 := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	require.NoError(t, e.active.StartGroup(ctx, g1.ID()))

	e.active.PauseAll(ctx)
	assert.Len(t, e.active.PausedGroups(), 1)
	assert.Empty(t, e.active.RunningGroups())

	e.active.ResumeAll(ctx)
	assert.Len(t, e.active.RunningGroups(), 1)

	e.active.CancelAll(ctx)
	assert.Zero(t, e.active.GroupCount())
}

func TestActiveGroupByOutputPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	out := t.TempDir()
	group := e.submitGroup(t, out, map[string]int{"Q1": 3})

	found, ok := e.active.GroupByOutputPath(out)
	require.True(t, ok)
	assert.Equal(t, group.ID(), found.ID())

	// Lookups normalize, so a trailing separator still matches.
	found, ok = e.active.GroupByOutputPath(out + string(filepath.Separator))
	require.True(t, ok)
	assert.Equal(t, group.ID(), found.ID())

	_, ok = e.active.GroupByOutputPath(t.TempDir())
	assert.False(t, ok)
}

func TestActiveOutputPathIndexSurvivesSiblingArchival(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	// Two groups with identically named sheets but distinct output folders.
	out1, out2 := t.TempDir(), t.TempDir()
	g1 := e.submitGroup(t, out1, map[string]int{"Q1": 3})
	g2 := e.submitGroup(t, out2, map[string]int{"Q1": 3})

	require.NoError(t, e.active.StartGroup(ctx, g1.ID()))
	require.NoError(t, e.active.CancelGroup(ctx, g1.ID()))

	_, ok := e.active.GroupByOutputPath(out1)
	assert.False(t, ok, "archived group must leave the index")

	found, ok := e.active.GroupByOutputPath(out2)
	require.True(t, ok)
	assert.Equal(t, g2.ID(), found.ID())
}

func TestActiveNotificationsFollowMutations(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), map[string]int{"Q1": 3})
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))
	q1 := sheetByName(t, group, "Q1")

	require.NoError(t, e.active.PauseSheet(ctx, q1.ID()))

	status, ok := e.notifier.lastSheetStatus(q1.ID())
	require.True(t, ok)
	assert.Equal(t, job.SheetStatusPaused, status)
}
