package job

import (
	"context"
	"errors"
)

// CheckpointStage identifies the fixed points in row processing where the
// executing loop consults the orchestrator. Mid-row stages observe only
// cancellation; StageRowBoundary additionally observes pause requests, so an
// in-flight row's side effects always finish before the loop stops.
type CheckpointStage string

const (
	// StageRowBoundary runs between rows, before any of the next row's side
	// effects begin. It is the only stage at which a pause takes effect.
	StageRowBoundary CheckpointStage = "ROW_BOUNDARY"

	// StageBeforeMutate runs before the output document is modified.
	StageBeforeMutate CheckpointStage = "BEFORE_MUTATE"

	// StageAfterMutate runs after the output document has been modified.
	StageAfterMutate CheckpointStage = "AFTER_MUTATE"

	// StageBeforeFetch runs before a remote resource is resolved.
	StageBeforeFetch CheckpointStage = "BEFORE_FETCH"

	// StageAfterFetch runs after a remote resource has been resolved.
	StageAfterFetch CheckpointStage = "AFTER_FETCH"

	// StageBeforeTransfer runs before a network transfer starts.
	StageBeforeTransfer CheckpointStage = "BEFORE_TRANSFER"

	// StageAfterTransfer runs after a network transfer finishes.
	StageAfterTransfer CheckpointStage = "AFTER_TRANSFER"

	// StageBeforePersist runs before the incremental progress snapshot is saved.
	StageBeforePersist CheckpointStage = "BEFORE_PERSIST"
)

// A set of sentinel errors the checkpoint function returns to unwind the
// row-processing loop without starting a new side effect.
var (
	// ErrSheetCancelled is returned once the sheet's cancellation flag is
	// observed; the loop must stop without marking the sheet done.
	ErrSheetCancelled = errors.New("sheet cancelled")

	// ErrSheetPaused is returned at a row boundary when a pause has been
	// requested; the loop must return control without marking the sheet done.
	ErrSheetPaused = errors.New("sheet paused")
)

// CheckpointFunc is the cooperative contract between the orchestrator and the
// row-processing loop. The loop invokes it at every CheckpointStage; a non-nil
// return unwinds the loop. Implementations may also persist incremental
// progress at low frequency.
type CheckpointFunc func(ctx context.Context, stage CheckpointStage) error

// Checkpoint builds the CheckpointFunc for one sheet execution. Cancellation
// is observed at every stage; pause only at row boundaries.
func (s *Sheet) Checkpoint() CheckpointFunc {
	return func(ctx context.Context, stage CheckpointStage) error {
		if err := ctx.Err(); err != nil {
			return ErrSheetCancelled
		}
		if s.Signal().CancelRequested() {
			return ErrSheetCancelled
		}
		if stage == StageRowBoundary && s.Signal().PauseRequested() {
			return ErrSheetPaused
		}
		return nil
	}
}
