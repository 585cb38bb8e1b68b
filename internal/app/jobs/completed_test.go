package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain/job"
)

// archiveGroup runs a group through cancel so it lands in the archive.
func archiveGroup(t *testing.T, e *env, sheets map[string]int) *job.Group {
	t.Helper()
	ctx := context.Background()
	group := e.submitGroup(t, t.TempDir(), sheets)
	require.NoError(t, e.active.StartGroup(ctx, group.ID()))
	require.NoError(t, e.active.CancelGroup(ctx, group.ID()))
	archived, ok := e.completed.Group(group.ID())
	require.True(t, ok)
	return archived
}

func TestCompletedQueriesByStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	cancelled := archiveGroup(t, e, map[string]int{"Q1": 2})

	// Build one successful and one failed group by completing sheets directly.
	ok1 := e.submitGroup(t, t.TempDir(), map[string]int{"S1": 1})
	require.NoError(t, e.active.StartGroup(ctx, ok1.ID()))
	require.NoError(t, sheetByName(t, ok1, "S1").Complete())
	e.active.SheetCompleted(ctx, sheetByName(t, ok1, "S1").ID())

	bad := e.submitGroup(t, t.TempDir(), map[string]int{"B1": 1})
	require.NoError(t, e.active.StartGroup(ctx, bad.ID()))
	require.NoError(t, sheetByName(t, bad, "B1").Fail("boom"))
	e.active.SheetCompleted(ctx, sheetByName(t, bad, "B1").ID())

	assert.Equal(t, 3, e.completed.GroupCount())
	require.Len(t, e.completed.SuccessfulGroups(), 1)
	require.Len(t, e.completed.FailedGroups(), 1)
	require.Len(t, e.completed.CancelledGroups(), 1)
	assert.Equal(t, ok1.ID(), e.completed.SuccessfulGroups()[0].ID())
	assert.Equal(t, bad.ID(), e.completed.FailedGroups()[0].ID())
	assert.Equal(t, cancelled.ID(), e.completed.CancelledGroups()[0].ID())
}

func TestCompletedSheetLookup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	group := archiveGroup(t, e, map[string]int{"Q1": 2, "Q2": 1})

	for _, sheet := range group.Sheets() {
		got, ok := e.completed.Sheet(sheet.ID())
		require.True(t, ok)
		assert.Equal(t, sheet.ID(), got.ID())
	}
}

func TestCompletedRemoveGroup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := archiveGroup(t, e, map[string]int{"Q1": 2})

	require.NoError(t, e.completed.RemoveGroup(ctx, group.ID()))
	_, ok := e.completed.Group(group.ID())
	assert.False(t, ok)

	_, err := e.store.GetGroup(ctx, group.ID())
	assert.ErrorIs(t, err, job.ErrNoSnapshot)

	assert.ErrorIs(t, e.completed.RemoveGroup(ctx, group.ID()), job.ErrGroupNotFound)
}

func TestCompletedRemoveSheetCascades(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := archiveGroup(t, e, map[string]int{"Q1": 2, "Q2": 1})

	q1 := sheetByName(t, group, "Q1")
	q2 := sheetByName(t, group, "Q2")

	require.NoError(t, e.completed.RemoveSheet(ctx, q1.ID()))
	assert.Equal(t, 1, group.SheetCount())

	// Removing the last sheet removes the group.
	require.NoError(t, e.completed.RemoveSheet(ctx, q2.ID()))
	_, ok := e.completed.Group(group.ID())
	assert.False(t, ok)
}

func TestCompletedRemoveSheetWithoutGroupLeavesSheet(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	group := archiveGroup(t, e, map[string]int{"Q1": 2})
	q1 := sheetByName(t, group, "Q1")

	// The group entry vanished while its sheet is still indexed.
	e.completed.groups.Delete(group.ID())

	assert.ErrorIs(t, e.completed.RemoveSheet(ctx, q1.ID()), job.ErrGroupNotFound)

	// The failed removal must not leave the sheet half-removed.
	_, ok := e.completed.Sheet(q1.ID())
	assert.True(t, ok)
}

func TestCompletedClearAll(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	archiveGroup(t, e, map[string]int{"Q1": 1})
	archiveGroup(t, e, map[string]int{"Q2": 1})

	e.completed.ClearAll(ctx)
	assert.Zero(t, e.completed.GroupCount())

	groups, err := e.store.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}
