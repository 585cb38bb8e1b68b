package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slidegen/internal/domain/job"
	"slidegen/pkg/common/logger"
)

// SheetRunner drives the row-processing loop for one sheet execution. It is
// the RunFunc bound to the execution pool: each invocation picks the sheet up
// at its resume cursor and carries it to a stopping point - completion,
// failure, pause, or cancellation.
type SheetRunner struct {
	active   *ActiveCollection
	renderer job.RowRenderer
	store    job.StateStore
	notifier job.Notifier
	metrics  job.MetricsRecorder

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSheetRunner creates the runner.
func NewSheetRunner(
	active *ActiveCollection,
	renderer job.RowRenderer,
	store job.StateStore,
	notifier job.Notifier,
	metrics job.MetricsRecorder,
	log *logger.Logger,
	tracer trace.Tracer,
) *SheetRunner {
	return &SheetRunner{
		active:   active,
		renderer: renderer,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   log.With("component", "sheet_runner"),
		tracer:   tracer,
	}
}

// Run executes one sheet to a stopping point.
func (r *SheetRunner) Run(ctx context.Context, sheetID uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "sheet_runner.run",
		trace.WithAttributes(attribute.String("sheet_id", sheetID.String())))
	defer span.End()

	sheet, ok := r.active.Sheet(sheetID)
	if !ok {
		// Removed between dispatch and pickup.
		return nil
	}
	group, ok := r.active.Group(sheet.GroupID())
	if !ok {
		return nil
	}

	sheet.MarkExecuting(true)
	defer sheet.MarkExecuting(false)
	sheet.ClearHandle()

	worksheet, ok := group.Workbook().Sheet(sheet.Name())
	if !ok {
		return r.fail(ctx, sheet, fmt.Sprintf("worksheet %q not found in workbook", sheet.Name()))
	}

	if err := r.prepare(ctx, sheet, group); err != nil {
		return r.fail(ctx, sheet, err.Error())
	}

	checkpoint := sheet.Checkpoint()
	r.appendLog(ctx, sheet, "info", fmt.Sprintf("execution started at row %d", sheet.NextRow()))

	for row := sheet.NextRow(); row < sheet.TotalRows(); row = sheet.NextRow() {
		if err := checkpoint(ctx, job.StageRowBoundary); err != nil {
			return r.stopped(ctx, sheet, err)
		}

		if err := r.processRow(ctx, sheet, group, worksheet, row, checkpoint); err != nil {
			return r.stopped(ctx, sheet, err)
		}
	}

	if err := sheet.Complete(); err != nil {
		r.logger.Error(ctx, "completing sheet", "sheet_id", sheetID, "error", err)
	}
	r.appendLog(ctx, sheet, "info", "execution completed")

	sheet.MarkExecuting(false)
	r.active.SheetCompleted(ctx, sheetID)
	return nil
}

// prepare creates the output document for a fresh run, and verifies it still
// exists for a resumed one. A resumed sheet whose output vanished cannot
// continue mid-document.
func (r *SheetRunner) prepare(ctx context.Context, sheet *job.Sheet, group *job.Group) error {
	if sheet.NextRow() == 0 {
		if err := r.renderer.PrepareOutput(ctx, sheet.OutputPath(), group.Template().Path()); err != nil {
			return fmt.Errorf("preparing output document: %w", err)
		}
		return nil
	}

	if _, err := os.Stat(sheet.OutputPath()); err != nil {
		return fmt.Errorf("output document missing at resume: %s", sheet.OutputPath())
	}
	return nil
}

// processRow renders one row, records recoverable problems, and advances the
// resume cursor. Sentinel stop errors pass through to the caller.
func (r *SheetRunner) processRow(
	ctx context.Context,
	sheet *job.Sheet,
	group *job.Group,
	worksheet job.Worksheet,
	row int,
	checkpoint job.CheckpointFunc,
) error {
	rowData, err := worksheet.Row(row)
	if err != nil {
		r.recordRowError(ctx, sheet, row, fmt.Sprintf("reading row %d: %v", row, err))
	} else {
		result, renderErr := r.renderer.RenderRow(ctx, job.RenderRowRequest{
			SheetID:      sheet.ID(),
			OutputPath:   sheet.OutputPath(),
			TemplatePath: group.Template().Path(),
			Rules:        sheet.Rules(),
			RowIndex:     row,
			Row:          rowData,
		}, checkpoint)

		if errors.Is(renderErr, job.ErrSheetPaused) || errors.Is(renderErr, job.ErrSheetCancelled) {
			return renderErr
		}
		if renderErr != nil {
			r.recordRowError(ctx, sheet, row, fmt.Sprintf("rendering row %d: %v", row, renderErr))
		}
		for _, warning := range result.Warnings {
			r.recordRowError(ctx, sheet, row, warning)
		}
	}

	if err := checkpoint(ctx, job.StageBeforePersist); err != nil {
		return err
	}

	sheet.AdvanceRow(row + 1)
	r.metrics.IncRowsProcessed(ctx, 1)
	r.persistProgress(ctx, sheet, group)
	return nil
}

// stopped unwinds the loop after a sentinel checkpoint error.
func (r *SheetRunner) stopped(ctx context.Context, sheet *job.Sheet, err error) error {
	switch {
	case errors.Is(err, job.ErrSheetPaused):
		r.appendLog(ctx, sheet, "info", fmt.Sprintf("paused at row %d", sheet.NextRow()))
		return nil

	case errors.Is(err, job.ErrSheetCancelled):
		if !sheet.Signal().CancelRequested() {
			// Shutdown, not an operator cancel. Leave the status for the
			// restore procedure to pick up.
			r.appendLog(ctx, sheet, "info", fmt.Sprintf("stopped at row %d", sheet.NextRow()))
			return nil
		}
		r.appendLog(ctx, sheet, "info", fmt.Sprintf("cancelled at row %d", sheet.NextRow()))
		sheet.MarkExecuting(false)
		r.active.SheetCompleted(ctx, sheet.ID())
		return nil

	default:
		return r.fail(ctx, sheet, err.Error())
	}
}

// fail marks the sheet failed and reports it to the collection.
func (r *SheetRunner) fail(ctx context.Context, sheet *job.Sheet, message string) error {
	if err := sheet.Fail(message); err != nil {
		// Terminal already, e.g. cancelled while the failure propagated.
		r.logger.Warn(ctx, "sheet failure not recorded", "sheet_id", sheet.ID(), "error", err)
	}
	r.appendLog(ctx, sheet, "error", message)
	r.logger.Error(ctx, "sheet failed", "sheet_id", sheet.ID(), "reason", message)

	sheet.MarkExecuting(false)
	r.active.SheetCompleted(ctx, sheet.ID())
	return nil
}

// recordRowError registers a recoverable row-level problem and keeps going.
func (r *SheetRunner) recordRowError(ctx context.Context, sheet *job.Sheet, row int, message string) {
	sheet.RecordRowError(message)
	r.metrics.IncRowErrors(ctx, 1)
	r.appendLog(ctx, sheet, "warn", message)

	if err := r.notifier.NotifySheetError(ctx, sheet.ID(), row, message); err != nil {
		r.logger.Warn(ctx, "row error notification failed", "sheet_id", sheet.ID(), "error", err)
	}
}

// persistProgress saves the sheet snapshot and pushes progress events. All
// failures are logged only; the loop never stops for them.
func (r *SheetRunner) persistProgress(ctx context.Context, sheet *job.Sheet, group *job.Group) {
	snap, err := sheet.Snapshot()
	if err != nil {
		r.logger.Error(ctx, "building sheet snapshot", "sheet_id", sheet.ID(), "error", err)
	} else if err := r.store.SaveSheet(ctx, snap); err != nil {
		r.logger.Error(ctx, "persisting sheet progress", "sheet_id", sheet.ID(), "error", err)
	}

	if err := r.notifier.NotifySheetProgress(ctx, sheet.ID(), sheet.NextRow(), sheet.TotalRows(), sheet.Progress(), sheet.ErrorCount()); err != nil {
		r.logger.Warn(ctx, "sheet progress notification failed", "sheet_id", sheet.ID(), "error", err)
	}
	if err := r.notifier.NotifyGroupProgress(ctx, group.ID(), group.Progress(), group.ErrorCount()); err != nil {
		r.logger.Warn(ctx, "group progress notification failed", "group_id", group.ID(), "error", err)
	}
}

// appendLog persists and broadcasts a job-scoped log line.
func (r *SheetRunner) appendLog(ctx context.Context, sheet *job.Sheet, level, message string) {
	entry := job.LogEntry{
		JobID:   sheet.ID(),
		Scope:   job.ScopeSheet,
		Time:    time.Now(),
		Level:   level,
		Message: message,
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.logger.Warn(ctx, "appending job log failed", "sheet_id", sheet.ID(), "error", err)
	}
	if err := r.notifier.NotifyLog(ctx, entry); err != nil {
		r.logger.Warn(ctx, "log notification failed", "sheet_id", sheet.ID(), "error", err)
	}
}
