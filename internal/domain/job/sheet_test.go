package job

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSheet(t *testing.T, totalRows int) *Sheet {
	t.Helper()
	return NewSheet(uuid.New(), "Sheet1", totalRows, "/out/Sheet1.pptx", RuleSet{})
}

func TestSheetLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 10)
	assert.Equal(t, SheetStatusPending, s.Status())

	require.NoError(t, s.Start())
	assert.Equal(t, SheetStatusRunning, s.Status())

	// Starting again while running is a no-op.
	require.NoError(t, s.Start())

	assert.True(t, s.Pause())
	assert.Equal(t, SheetStatusPaused, s.Status())
	assert.True(t, s.Signal().PauseRequested())

	assert.True(t, s.Resume())
	assert.Equal(t, SheetStatusRunning, s.Status())
	assert.False(t, s.Signal().PauseRequested())

	require.NoError(t, s.Complete())
	assert.Equal(t, SheetStatusCompleted, s.Status())
}

func TestSheetPauseOnlyFromRunning(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 5)
	assert.False(t, s.Pause(), "pending sheet must not pause")
	assert.False(t, s.Signal().PauseRequested())

	require.NoError(t, s.Start())
	require.NoError(t, s.Complete())
	assert.False(t, s.Pause(), "completed sheet must not pause")
}

func TestSheetResumeOnlyFromPaused(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 5)
	assert.False(t, s.Resume())

	require.NoError(t, s.Start())
	assert.False(t, s.Resume())
}

func TestSheetCancel(t *testing.T) {
	t.Parallel()

	t.Run("from pending", func(t *testing.T) {
		t.Parallel()
		s := newTestSheet(t, 5)
		assert.True(t, s.Cancel())
		assert.Equal(t, SheetStatusCancelled, s.Status())
		assert.True(t, s.Signal().CancelRequested())
	})

	t.Run("from paused", func(t *testing.T) {
		t.Parallel()
		s := newTestSheet(t, 5)
		require.NoError(t, s.Start())
		require.True(t, s.Pause())
		assert.True(t, s.Cancel())
		assert.Equal(t, SheetStatusCancelled, s.Status())
	})

	t.Run("terminal is a no-op", func(t *testing.T) {
		t.Parallel()
		s := newTestSheet(t, 5)
		require.NoError(t, s.Start())
		require.NoError(t, s.Complete())
		assert.False(t, s.Cancel())
		assert.Equal(t, SheetStatusCompleted, s.Status())
	})
}

func TestSheetTerminalStatusNeverOverwritten(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 5)
	require.NoError(t, s.Start())
	require.NoError(t, s.Fail("disk full"))
	assert.Equal(t, SheetStatusFailed, s.Status())
	assert.Equal(t, "disk full", s.ErrorMessage())

	var invalid SheetInvalidStateError
	err := s.Complete()
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, SheetStatusFailed, invalid.Status())

	require.Error(t, s.Fail("second failure"))
	assert.Equal(t, "disk full", s.ErrorMessage())
}

func TestSheetCompleteIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 5)
	require.NoError(t, s.Start())
	require.NoError(t, s.Complete())
	require.NoError(t, s.Complete())
}

func TestSheetCompleteFromPaused(t *testing.T) {
	t.Parallel()

	// A pause requested during the final row lands after the loop finished.
	s := newTestSheet(t, 5)
	require.NoError(t, s.Start())
	require.True(t, s.Pause())
	require.NoError(t, s.Complete())
	assert.Equal(t, SheetStatusCompleted, s.Status())
}

func TestSheetAdvanceRowClamped(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 5)
	s.AdvanceRow(3)
	assert.Equal(t, 3, s.NextRow())
	assert.InDelta(t, 60.0, s.Progress(), 0.01)

	s.AdvanceRow(99)
	assert.Equal(t, 5, s.NextRow())

	s.AdvanceRow(-1)
	assert.Equal(t, 0, s.NextRow())
}

func TestSheetProgressZeroRows(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 0)
	assert.Zero(t, s.Progress())
}

func TestSheetRecordRowError(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 5)
	s.RecordRowError("image fetch failed")
	s.RecordRowError("placeholder missing")

	assert.Equal(t, 2, s.ErrorCount())
	assert.Equal(t, "placeholder missing", s.ErrorMessage())
}

func TestSheetForceStatusPausedRaisesSignal(t *testing.T) {
	t.Parallel()

	s := newTestSheet(t, 5)
	s.ForceStatus(SheetStatusPaused)
	assert.Equal(t, SheetStatusPaused, s.Status())
	assert.True(t, s.Signal().PauseRequested())
}

func TestSheetSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	groupID := uuid.New()
	rules := RuleSet{Texts: []TextRule{{Pattern: "{name}", Columns: []string{"Name"}}}}
	s := NewSheet(groupID, "Q3", 20, "/out/Q3.pptx", rules)
	require.NoError(t, s.Start())
	s.AdvanceRow(7)
	s.RecordRowError("row 4: bad image")

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, s.ID(), snap.ID)
	assert.Equal(t, groupID, snap.GroupID)
	assert.Equal(t, "Q3", snap.SheetName)
	assert.Equal(t, SheetStatusRunning, snap.Status)
	assert.Equal(t, 7, snap.NextRow)
	assert.Equal(t, 20, snap.TotalRows)
	assert.Equal(t, 1, snap.ErrorCount)

	decoded, err := DecodeRuleSet(snap.Rules)
	require.NoError(t, err)
	assert.Equal(t, rules, decoded)
}

func TestSheetCheckpoint(t *testing.T) {
	t.Parallel()

	t.Run("clean run", func(t *testing.T) {
		t.Parallel()
		s := newTestSheet(t, 5)
		cp := s.Checkpoint()
		assert.NoError(t, cp(context.Background(), StageRowBoundary))
		assert.NoError(t, cp(context.Background(), StageBeforeMutate))
	})

	t.Run("cancel observed at every stage", func(t *testing.T) {
		t.Parallel()
		s := newTestSheet(t, 5)
		s.Signal().RequestCancel()
		cp := s.Checkpoint()
		for _, stage := range []CheckpointStage{
			StageRowBoundary, StageBeforeMutate, StageAfterMutate,
			StageBeforeFetch, StageAfterFetch,
			StageBeforeTransfer, StageAfterTransfer, StageBeforePersist,
		} {
			assert.ErrorIs(t, cp(context.Background(), stage), ErrSheetCancelled, stage)
		}
	})

	t.Run("pause observed only at row boundary", func(t *testing.T) {
		t.Parallel()
		s := newTestSheet(t, 5)
		s.Signal().RequestPause()
		cp := s.Checkpoint()
		assert.NoError(t, cp(context.Background(), StageBeforeMutate))
		assert.NoError(t, cp(context.Background(), StageBeforePersist))
		assert.ErrorIs(t, cp(context.Background(), StageRowBoundary), ErrSheetPaused)
	})

	t.Run("context cancellation maps to cancelled", func(t *testing.T) {
		t.Parallel()
		s := newTestSheet(t, 5)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cp := s.Checkpoint()
		assert.ErrorIs(t, cp(ctx, StageBeforeFetch), ErrSheetCancelled)
	})
}
