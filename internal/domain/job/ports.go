package job

import (
	"context"

	"github.com/google/uuid"
)

// StateStore persists group and sheet snapshots for restart recovery. The
// store is a best-effort mirror of in-memory state: callers log persistence
// failures and continue, and snapshots may lag the live entities between
// row-boundary saves.
type StateStore interface {
	SaveGroup(ctx context.Context, snapshot GroupSnapshot) error
	SaveSheet(ctx context.Context, snapshot SheetSnapshot) error

	// GetGroup returns ErrNoSnapshot when no snapshot exists for the id.
	GetGroup(ctx context.Context, id uuid.UUID) (GroupSnapshot, error)
	// GetSheet returns ErrNoSnapshot when no snapshot exists for the id.
	GetSheet(ctx context.Context, id uuid.UUID) (SheetSnapshot, error)

	ListGroups(ctx context.Context) ([]GroupSnapshot, error)
	ListActiveGroups(ctx context.Context) ([]GroupSnapshot, error)
	ListSheetsByGroup(ctx context.Context, groupID uuid.UUID) ([]SheetSnapshot, error)

	// RemoveGroup deletes a group snapshot along with its sheet snapshots
	// and logs. Removing an unknown id is not an error.
	RemoveGroup(ctx context.Context, id uuid.UUID) error
	// RemoveSheet deletes a single sheet snapshot. Removing an unknown id is
	// not an error.
	RemoveSheet(ctx context.Context, id uuid.UUID) error

	AppendLog(ctx context.Context, entry LogEntry) error
	Logs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error)
}

// ExecutionBackend schedules sheet executions on some pool of workers. The
// orchestrator holds the returned handle so a queued execution can be
// withdrawn before it starts.
type ExecutionBackend interface {
	// Enqueue schedules the sheet for execution and returns an opaque handle.
	Enqueue(ctx context.Context, sheetID uuid.UUID) (string, error)

	// Delete withdraws a queued execution. Deleting a handle whose execution
	// already started or finished is not an error; the running worker stops
	// through the sheet's stop signal instead.
	Delete(ctx context.Context, handle string) error
}

// Notifier pushes job events to subscribed clients. Notification failures are
// logged by callers and never affect job state.
type Notifier interface {
	NotifySheetProgress(ctx context.Context, sheetID uuid.UUID, row, totalRows int, progress float32, errorCount int) error
	NotifySheetStatus(ctx context.Context, sheetID uuid.UUID, status SheetStatus, message string) error
	NotifySheetError(ctx context.Context, sheetID uuid.UUID, row int, message string) error
	NotifyGroupProgress(ctx context.Context, groupID uuid.UUID, progress float32, errorCount int) error
	NotifyGroupStatus(ctx context.Context, groupID uuid.UUID, status GroupStatus) error
	NotifyLog(ctx context.Context, entry LogEntry) error
}

// WorkbookOpener opens data workbooks from the filesystem.
type WorkbookOpener interface {
	OpenWorkbook(ctx context.Context, path string) (Workbook, error)
}

// Workbook is an open data workbook. Close releases the underlying file
// handle; the owning group calls it exactly once on archival.
type Workbook interface {
	Path() string
	Name() string
	SheetNames() []string
	Sheet(name string) (Worksheet, bool)
	Close() error
}

// Worksheet is a single sheet of data rows inside an open workbook.
type Worksheet interface {
	Name() string

	// RowCount returns the number of data rows, excluding the header row.
	RowCount() int

	// Row returns the 0-based data row as a column-name to value map.
	Row(index int) (map[string]string, error)
}

// TemplateOpener opens template presentations from the filesystem.
type TemplateOpener interface {
	OpenTemplate(ctx context.Context, path string) (Template, error)
}

// Template is an open template presentation.
type Template interface {
	Path() string
	Close() error
}

// RenderRowRequest carries everything the renderer needs to apply one data
// row to the output document.
type RenderRowRequest struct {
	SheetID      uuid.UUID
	OutputPath   string
	TemplatePath string
	Rules        RuleSet
	RowIndex     int
	Row          map[string]string
}

// RowResult reports the outcome of rendering a single row. Warnings are
// recoverable per-row problems, such as an image that could not be fetched.
type RowResult struct {
	Warnings []string
}

// RowRenderer applies replacement rules row by row to an output document. It
// must invoke the checkpoint at every stage it performs so cancellation and
// pause take effect between side effects.
type RowRenderer interface {
	// PrepareOutput creates the output document from the template when it
	// does not exist yet. Called once before the first row of a fresh run.
	PrepareOutput(ctx context.Context, outputPath, templatePath string) error

	RenderRow(ctx context.Context, req RenderRowRequest, checkpoint CheckpointFunc) (RowResult, error)
}
