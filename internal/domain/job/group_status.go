package job

// GroupStatus represents the aggregate state of a group job. It is always
// derived from the statuses of the group's member sheets.
type GroupStatus string

const (
	// GroupStatusPending indicates a group has been created but not yet started.
	GroupStatusPending GroupStatus = "PENDING"

	// GroupStatusRunning indicates at least one member sheet is pending or running.
	GroupStatusRunning GroupStatus = "RUNNING"

	// GroupStatusPaused indicates every non-terminal member sheet is paused.
	GroupStatusPaused GroupStatus = "PAUSED"

	// GroupStatusCompleted indicates every member sheet finished successfully.
	GroupStatusCompleted GroupStatus = "COMPLETED"

	// GroupStatusFailed indicates at least one member sheet failed.
	GroupStatusFailed GroupStatus = "FAILED"

	// GroupStatusCancelled indicates at least one member sheet was cancelled
	// and none failed.
	GroupStatusCancelled GroupStatus = "CANCELLED"

	// GroupStatusUnspecified is used when a group status is unknown.
	GroupStatusUnspecified GroupStatus = "UNSPECIFIED"
)

// String returns the string representation of the GroupStatus.
func (s GroupStatus) String() string { return string(s) }

// IsTerminal reports whether the status accepts no further transitions.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupStatusCompleted || s == GroupStatusFailed || s == GroupStatusCancelled
}

// IsActive reports whether a group in this status still owns live work.
func (s GroupStatus) IsActive() bool {
	return s == GroupStatusPending || s == GroupStatusRunning || s == GroupStatusPaused
}

// ParseGroupStatus converts a string to a GroupStatus.
func ParseGroupStatus(s string) GroupStatus {
	switch s {
	case "PENDING":
		return GroupStatusPending
	case "RUNNING":
		return GroupStatusRunning
	case "PAUSED":
		return GroupStatusPaused
	case "COMPLETED":
		return GroupStatusCompleted
	case "FAILED":
		return GroupStatusFailed
	case "CANCELLED":
		return GroupStatusCancelled
	default:
		return GroupStatusUnspecified
	}
}

// GroupStatusFromSheets derives the aggregate group status from member sheet
// statuses. Failures take priority over cancellations, which take priority
// over success, so a partial failure is never masked by successful siblings.
func GroupStatusFromSheets(statuses []SheetStatus) GroupStatus {
	if len(statuses) == 0 {
		return GroupStatusPending
	}

	var paused, failed, cancelled bool
	for _, s := range statuses {
		switch s {
		case SheetStatusRunning, SheetStatusPending:
			return GroupStatusRunning
		case SheetStatusPaused:
			paused = true
		case SheetStatusFailed:
			failed = true
		case SheetStatusCancelled:
			cancelled = true
		}
	}

	if paused {
		return GroupStatusPaused
	}
	if failed {
		return GroupStatusFailed
	}
	if cancelled {
		return GroupStatusCancelled
	}
	return GroupStatusCompleted
}
