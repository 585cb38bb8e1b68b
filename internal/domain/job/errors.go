package job

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// A set of error variants for control and submission failures.
var (
	// ErrGroupNotFound is returned when a group id is unknown to a collection.
	ErrGroupNotFound = errors.New("group not found")

	// ErrSheetNotFound is returned when a sheet id is unknown to a collection.
	ErrSheetNotFound = errors.New("sheet not found")

	// ErrNoSnapshot is returned by state stores when no snapshot exists for an id.
	ErrNoSnapshot = errors.New("no persisted snapshot")

	// ErrInvalidOutputPath is returned when a submission names a missing or
	// empty output path. Nothing is created or persisted in that case.
	ErrInvalidOutputPath = errors.New("output path is missing or invalid")

	// ErrNoSheetsResolved is returned when a submission's sheet selection
	// matches no worksheet in the opened workbook.
	ErrNoSheetsResolved = errors.New("no worksheets resolved for group")
)

// SheetInvalidStateError indicates a sheet operation was attempted in a
// status that cannot accept it.
type SheetInvalidStateError struct {
	sheetID uuid.UUID
	status  SheetStatus
}

// NewSheetInvalidStateError creates a new SheetInvalidStateError.
func NewSheetInvalidStateError(sheetID uuid.UUID, status SheetStatus) SheetInvalidStateError {
	return SheetInvalidStateError{sheetID: sheetID, status: status}
}

// Error returns a string representation of the error.
func (e SheetInvalidStateError) Error() string {
	return fmt.Sprintf("sheet %s is in invalid state %s", e.sheetID, e.status)
}

// Status returns the status the sheet was in when the operation failed.
func (e SheetInvalidStateError) Status() SheetStatus { return e.status }
