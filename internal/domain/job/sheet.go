package job

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sheet tracks the full lifecycle of generating one output document from one
// worksheet. It is mutated by the owning collection on control actions and by
// the row-processing loop via the checkpoint protocol, so all status and
// progress fields are guarded by a mutex.
type Sheet struct {
	id         uuid.UUID
	groupID    uuid.UUID
	name       string
	outputPath string
	rules      RuleSet

	signal    *StopSignal
	executing atomic.Bool

	mu           sync.Mutex
	status       SheetStatus
	nextRow      int
	totalRows    int
	errorCount   int
	errorMessage string
	handle       string
	timeline     *Timeline
}

// SheetOption defines functional options for configuring a new Sheet.
type SheetOption func(*Sheet)

// WithSheetID preserves an existing id, used when restoring from a snapshot.
func WithSheetID(id uuid.UUID) SheetOption {
	return func(s *Sheet) { s.id = id }
}

// WithSheetTimeProvider sets a custom time provider for the sheet.
func WithSheetTimeProvider(tp TimeProvider) SheetOption {
	return func(s *Sheet) { s.timeline = NewTimeline(tp) }
}

// NewSheet creates a sheet job in Pending state for the given worksheet.
func NewSheet(groupID uuid.UUID, name string, totalRows int, outputPath string, rules RuleSet, opts ...SheetOption) *Sheet {
	s := &Sheet{
		id:         uuid.New(),
		groupID:    groupID,
		name:       name,
		outputPath: outputPath,
		rules:      rules,
		signal:     NewStopSignal(),
		status:     SheetStatusPending,
		totalRows:  totalRows,
		timeline:   NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ID returns the unique identifier for this sheet job.
func (s *Sheet) ID() uuid.UUID { return s.id }

// GroupID returns the identifier of the group owning this sheet job.
func (s *Sheet) GroupID() uuid.UUID { return s.groupID }

// Name returns the worksheet name backing this job.
func (s *Sheet) Name() string { return s.name }

// OutputPath returns the path of the document this job produces.
func (s *Sheet) OutputPath() string { return s.outputPath }

// Rules returns the replacement configuration for this sheet.
func (s *Sheet) Rules() RuleSet { return s.rules }

// Signal returns the cooperative stop signal shared with the worker.
func (s *Sheet) Signal() *StopSignal { return s.signal }

// Status returns the current execution status of the sheet job.
func (s *Sheet) Status() SheetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// NextRow returns the 0-based index of the row to process next.
func (s *Sheet) NextRow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRow
}

// TotalRows returns the total number of rows in the worksheet.
func (s *Sheet) TotalRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRows
}

// ErrorCount returns the number of row-level errors recorded so far.
func (s *Sheet) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// ErrorMessage returns the most recent error message, if any.
func (s *Sheet) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMessage
}

// Progress returns the completion percentage for this sheet.
func (s *Sheet) Progress() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalRows == 0 {
		return 0
	}
	return float32(s.nextRow) / float32(s.totalRows) * 100
}

// Handle returns the execution facility handle, empty until dispatched.
func (s *Sheet) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// SetHandle records the handle returned by the execution facility.
func (s *Sheet) SetHandle(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = handle
}

// ClearHandle forgets the execution facility handle.
func (s *Sheet) ClearHandle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = ""
}

// Executing reports whether a worker is currently running this sheet.
func (s *Sheet) Executing() bool { return s.executing.Load() }

// MarkExecuting records whether a worker is currently running this sheet.
// Exactly one execution attempt is in flight at a time; Resume consults this
// to decide whether a fresh dispatch is needed.
func (s *Sheet) MarkExecuting(executing bool) { s.executing.Store(executing) }

// StartTime returns the time the sheet job was created.
func (s *Sheet) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.StartedAt()
}

// Start transitions a Pending sheet to Running. It is a no-op when the sheet
// is already Running, which happens on a fresh dispatch after StartGroup has
// set the status.
func (s *Sheet) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == SheetStatusRunning {
		return nil
	}
	return s.updateStatusLocked(SheetStatusRunning)
}

// Pause requests the sheet to stop at the next row boundary. Valid only from
// Running; any other state is a no-op and returns false.
func (s *Sheet) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SheetStatusRunning {
		return false
	}
	s.signal.RequestPause()
	s.status = SheetStatusPaused
	s.timeline.UpdateLastUpdate()
	return true
}

// Resume clears the pause signal and returns the sheet to Running. Valid only
// from Paused; any other state is a no-op and returns false. The caller is
// responsible for re-dispatching when no worker is in flight.
func (s *Sheet) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SheetStatusPaused {
		return false
	}
	s.signal.ClearPause()
	s.status = SheetStatusRunning
	s.timeline.UpdateLastUpdate()
	return true
}

// Cancel raises the cancellation signal and marks the sheet Cancelled. Valid
// from Pending, Running, or Paused; terminal states are a no-op and return
// false.
func (s *Sheet) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return false
	}
	s.signal.RequestCancel()
	s.status = SheetStatusCancelled
	s.timeline.MarkCompleted()
	return true
}

// Complete marks the sheet as completed. Idempotent when already Completed;
// a sheet in another terminal state is never overwritten.
func (s *Sheet) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == SheetStatusCompleted {
		return nil
	}
	if s.status.IsTerminal() {
		return NewSheetInvalidStateError(s.id, s.status)
	}
	return s.updateStatusLocked(SheetStatusCompleted)
}

// Fail marks the sheet as failed with the given message. A sheet already in
// a terminal state is never overwritten.
func (s *Sheet) Fail(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return NewSheetInvalidStateError(s.id, s.status)
	}
	if err := s.updateStatusLocked(SheetStatusFailed); err != nil {
		return err
	}
	s.errorMessage = message
	return nil
}

// AdvanceRow moves the resume cursor, clamped to [0, TotalRows].
func (s *Sheet) AdvanceRow(nextRow int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRow = min(max(nextRow, 0), s.totalRows)
	s.timeline.UpdateLastUpdate()
}

// RecordRowError registers a recoverable row-level error; processing
// continues with the next row.
func (s *Sheet) RecordRowError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorCount++
	s.errorMessage = message
	s.timeline.UpdateLastUpdate()
}

// RestoreProgress reinstates persisted counters on a rebuilt sheet. This
// should only be used during the restore procedure.
func (s *Sheet) RestoreProgress(nextRow, errorCount int, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRow = min(max(nextRow, 0), s.totalRows)
	s.errorCount = max(errorCount, 0)
	s.errorMessage = errorMessage
}

// ForceStatus reinstates a persisted status, bypassing transition validation.
// Restoring a Paused status also raises the pause signal so the sheet waits
// for an operator-initiated Resume. This should only be used during restore.
func (s *Sheet) ForceStatus(status SheetStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	if status == SheetStatusPaused {
		s.signal.RequestPause()
	}
}

// Snapshot builds the persisted shape of this sheet, including the serialized
// replacement rules.
func (s *Sheet) Snapshot() (SheetSnapshot, error) {
	rules, err := s.rules.Encode()
	if err != nil {
		return SheetSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return SheetSnapshot{
		ID:           s.id,
		GroupID:      s.groupID,
		SheetName:    s.name,
		OutputPath:   s.outputPath,
		Status:       s.status,
		NextRow:      s.nextRow,
		TotalRows:    s.totalRows,
		ErrorCount:   s.errorCount,
		ErrorMessage: s.errorMessage,
		Rules:        rules,
	}, nil
}

// updateStatusLocked changes the status after validating the transition.
// Callers must hold s.mu.
func (s *Sheet) updateStatusLocked(newStatus SheetStatus) error {
	if err := s.status.validateTransition(newStatus); err != nil {
		return err
	}

	if newStatus.IsTerminal() {
		s.timeline.MarkCompleted()
	} else {
		s.timeline.UpdateLastUpdate()
	}

	s.status = newStatus
	return nil
}
