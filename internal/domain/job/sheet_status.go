package job

import (
	"errors"
	"fmt"
)

// SheetStatus represents the execution state of an individual sheet job. It
// enables fine-grained tracking of generation progress and error conditions.
type SheetStatus string

// ErrSheetStatusUnknown is returned when a sheet status is unknown.
var ErrSheetStatusUnknown = errors.New("sheet status unknown")

const (
	// SheetStatusPending indicates a sheet job is created but not yet started.
	SheetStatusPending SheetStatus = "PENDING"

	// SheetStatusRunning indicates a sheet job is actively generating output.
	SheetStatusRunning SheetStatus = "RUNNING"

	// SheetStatusPaused indicates a sheet job has been temporarily halted.
	SheetStatusPaused SheetStatus = "PAUSED"

	// SheetStatusCompleted indicates a sheet job finished successfully.
	SheetStatusCompleted SheetStatus = "COMPLETED"

	// SheetStatusFailed indicates a sheet job encountered an unrecoverable error.
	SheetStatusFailed SheetStatus = "FAILED"

	// SheetStatusCancelled indicates a sheet job was cancelled before finishing.
	SheetStatusCancelled SheetStatus = "CANCELLED"

	// SheetStatusUnspecified is used when a sheet status is unknown.
	SheetStatusUnspecified SheetStatus = "UNSPECIFIED"
)

// String returns the string representation of the SheetStatus.
func (s SheetStatus) String() string { return string(s) }

// IsTerminal reports whether the status accepts no further transitions.
func (s SheetStatus) IsTerminal() bool {
	return s == SheetStatusCompleted || s == SheetStatusFailed || s == SheetStatusCancelled
}

// ParseSheetStatus converts a string to a SheetStatus.
func ParseSheetStatus(s string) SheetStatus {
	switch s {
	case "PENDING":
		return SheetStatusPending
	case "RUNNING":
		return SheetStatusRunning
	case "PAUSED":
		return SheetStatusPaused
	case "COMPLETED":
		return SheetStatusCompleted
	case "FAILED":
		return SheetStatusFailed
	case "CANCELLED":
		return SheetStatusCancelled
	default:
		return SheetStatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s SheetStatus) validateTransition(target SheetStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid sheet status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// It enforces the sheet lifecycle rules to prevent invalid state changes.
func (s SheetStatus) isValidTransition(target SheetStatus) bool {
	switch s {
	case SheetStatusPending:
		// From Pending, can start executing or be cancelled/failed outright.
		return target == SheetStatusRunning || target == SheetStatusFailed || target == SheetStatusCancelled
	case SheetStatusRunning:
		return target == SheetStatusPaused || target == SheetStatusCompleted ||
			target == SheetStatusFailed || target == SheetStatusCancelled
	case SheetStatusPaused:
		// A pause requested during the final row still lets the loop finish,
		// so Completed must be reachable from Paused.
		return target == SheetStatusRunning || target == SheetStatusCompleted ||
			target == SheetStatusFailed || target == SheetStatusCancelled
	case SheetStatusCompleted, SheetStatusFailed, SheetStatusCancelled:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
