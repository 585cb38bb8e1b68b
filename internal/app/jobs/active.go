package jobs

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slidegen/internal/domain/job"
	"slidegen/pkg/common/logger"
)

// ArchiveHook receives a group after it has been atomically removed from the
// active collection with its file handles released.
type ArchiveHook func(ctx context.Context, group *job.Group)

// ActiveCollection tracks every group and sheet job that still owns live
// resources. All mutations follow the same ordering: change the entity,
// persist the snapshot, then notify subscribers. Persistence and notification
// failures are logged and never propagated; in-memory state is authoritative.
type ActiveCollection struct {
	store    job.StateStore
	backend  job.ExecutionBackend
	notifier job.Notifier
	metrics  job.MetricsRecorder

	groups       sync.Map // uuid.UUID -> *job.Group
	sheets       sync.Map // uuid.UUID -> *job.Sheet
	byOutputPath sync.Map // normalized output folder -> uuid.UUID (group id)

	onArchived ArchiveHook

	logger *logger.Logger
	tracer trace.Tracer
}

// NewActiveCollection creates the collection of live jobs.
func NewActiveCollection(
	store job.StateStore,
	backend job.ExecutionBackend,
	notifier job.Notifier,
	metrics job.MetricsRecorder,
	log *logger.Logger,
	tracer trace.Tracer,
) *ActiveCollection {
	return &ActiveCollection{
		store:    store,
		backend:  backend,
		notifier: notifier,
		metrics:  metrics,
		logger:   log.With("component", "active_collection"),
		tracer:   tracer,
	}
}

// SetArchiveHook binds the callback invoked when a finished group leaves the
// collection. Must be set before the first job is created.
func (c *ActiveCollection) SetArchiveHook(hook ArchiveHook) { c.onArchived = hook }

// AddGroup registers a fully built group and its member sheets, persists the
// initial snapshots, and announces the group. The insert is atomic: a second
// add with the same id returns false and changes nothing.
func (c *ActiveCollection) AddGroup(ctx context.Context, group *job.Group) bool {
	ctx, span := c.tracer.Start(ctx, "active_collection.add_group",
		trace.WithAttributes(attribute.String("group_id", group.ID().String())))
	defer span.End()

	if _, loaded := c.groups.LoadOrStore(group.ID(), group); loaded {
		c.logger.Warn(ctx, "group already tracked", "group_id", group.ID())
		return false
	}

	c.byOutputPath.Store(normalizeOutputPath(group.OutputFolder()), group.ID())
	for _, sheet := range group.Sheets() {
		c.sheets.Store(sheet.ID(), sheet)
	}

	c.persistGroup(ctx, group)
	for _, sheet := range group.Sheets() {
		c.persistSheet(ctx, sheet)
	}
	c.notifyGroup(ctx, group)
	c.metrics.IncGroupsCreated(ctx)
	return true
}

// RestoreGroup registers a group rebuilt from persisted snapshots. It is the
// restore-time variant of AddGroup: same registration and persist-then-notify
// ordering, but the group does not count as newly created.
func (c *ActiveCollection) RestoreGroup(ctx context.Context, group *job.Group) bool {
	ctx, span := c.tracer.Start(ctx, "active_collection.restore_group",
		trace.WithAttributes(attribute.String("group_id", group.ID().String())))
	defer span.End()

	if _, loaded := c.groups.LoadOrStore(group.ID(), group); loaded {
		return false
	}

	c.byOutputPath.Store(normalizeOutputPath(group.OutputFolder()), group.ID())
	for _, sheet := range group.Sheets() {
		c.sheets.Store(sheet.ID(), sheet)
	}

	c.persistGroup(ctx, group)
	for _, sheet := range group.Sheets() {
		c.persistSheet(ctx, sheet)
	}
	c.notifyGroup(ctx, group)
	return true
}

// StartGroup dispatches every pending member sheet to the execution facility.
func (c *ActiveCollection) StartGroup(ctx context.Context, groupID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.start_group",
		trace.WithAttributes(attribute.String("group_id", groupID.String())))
	defer span.End()

	group, ok := c.Group(groupID)
	if !ok {
		return job.ErrGroupNotFound
	}

	for _, sheet := range group.Sheets() {
		if sheet.Status() != job.SheetStatusPending {
			continue
		}
		c.dispatch(ctx, sheet)
	}

	c.refreshGroup(ctx, group)
	return nil
}

// dispatch marks the sheet running and hands it to the execution facility.
func (c *ActiveCollection) dispatch(ctx context.Context, sheet *job.Sheet) {
	if err := sheet.Start(); err != nil {
		c.logger.Error(ctx, "sheet cannot start", "sheet_id", sheet.ID(), "error", err)
		return
	}

	handle, err := c.backend.Enqueue(ctx, sheet.ID())
	if err != nil {
		c.logger.Error(ctx, "enqueue failed", "sheet_id", sheet.ID(), "error", err)
		if failErr := sheet.Fail("execution facility rejected the job: " + err.Error()); failErr != nil {
			c.logger.Error(ctx, "marking sheet failed", "sheet_id", sheet.ID(), "error", failErr)
		}
		c.persistSheet(ctx, sheet)
		c.notifySheet(ctx, sheet)
		return
	}

	sheet.SetHandle(handle)
	c.metrics.IncSheetsDispatched(ctx)
	c.persistSheet(ctx, sheet)
	c.notifySheet(ctx, sheet)
}

// PauseGroup requests every running member sheet to stop at its next row
// boundary.
func (c *ActiveCollection) PauseGroup(ctx context.Context, groupID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.pause_group",
		trace.WithAttributes(attribute.String("group_id", groupID.String())))
	defer span.End()

	group, ok := c.Group(groupID)
	if !ok {
		return job.ErrGroupNotFound
	}

	for _, sheet := range group.Sheets() {
		if sheet.Pause() {
			c.persistSheet(ctx, sheet)
			c.notifySheet(ctx, sheet)
		}
	}

	c.refreshGroup(ctx, group)
	return nil
}

// ResumeGroup returns every paused member sheet to running, re-dispatching
// those with no execution in flight.
func (c *ActiveCollection) ResumeGroup(ctx context.Context, groupID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.resume_group",
		trace.WithAttributes(attribute.String("group_id", groupID.String())))
	defer span.End()

	group, ok := c.Group(groupID)
	if !ok {
		return job.ErrGroupNotFound
	}

	for _, sheet := range group.Sheets() {
		c.resumeSheet(ctx, sheet)
	}

	c.refreshGroup(ctx, group)
	return nil
}

func (c *ActiveCollection) resumeSheet(ctx context.Context, sheet *job.Sheet) {
	if !sheet.Resume() {
		return
	}

	// A worker that has not observed the pause yet keeps running, and an
	// undelivered queued execution is still live while the handle is set.
	// Only a sheet whose worker already unwound needs a fresh dispatch.
	if !sheet.Executing() && sheet.Handle() == "" {
		handle, err := c.backend.Enqueue(ctx, sheet.ID())
		if err != nil {
			c.logger.Error(ctx, "re-dispatch failed", "sheet_id", sheet.ID(), "error", err)
			if failErr := sheet.Fail("execution facility rejected the job: " + err.Error()); failErr != nil {
				c.logger.Error(ctx, "marking sheet failed", "sheet_id", sheet.ID(), "error", failErr)
			}
		} else {
			sheet.SetHandle(handle)
			c.metrics.IncSheetsDispatched(ctx)
		}
	}

	c.persistSheet(ctx, sheet)
	c.notifySheet(ctx, sheet)
}

// CancelGroup cancels every member sheet. The group is archived once no
// worker is still unwinding.
func (c *ActiveCollection) CancelGroup(ctx context.Context, groupID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.cancel_group",
		trace.WithAttributes(attribute.String("group_id", groupID.String())))
	defer span.End()

	group, ok := c.Group(groupID)
	if !ok {
		return job.ErrGroupNotFound
	}

	for _, sheet := range group.Sheets() {
		c.cancelSheet(ctx, sheet)
	}

	c.refreshGroup(ctx, group)
	c.maybeArchive(ctx, groupID)
	return nil
}

func (c *ActiveCollection) cancelSheet(ctx context.Context, sheet *job.Sheet) {
	if !sheet.Cancel() {
		return
	}

	if handle := sheet.Handle(); handle != "" && !sheet.Executing() {
		if err := c.backend.Delete(ctx, handle); err != nil {
			c.logger.Error(ctx, "withdraw failed", "sheet_id", sheet.ID(), "error", err)
		}
		sheet.ClearHandle()
	}

	c.persistSheet(ctx, sheet)
	c.notifySheet(ctx, sheet)
}

// CancelAndRemoveGroup cancels every member sheet and removes the group
// entirely: resources released, snapshots deleted, nothing archived.
func (c *ActiveCollection) CancelAndRemoveGroup(ctx context.Context, groupID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.cancel_and_remove_group",
		trace.WithAttributes(attribute.String("group_id", groupID.String())))
	defer span.End()

	loaded, ok := c.groups.LoadAndDelete(groupID)
	if !ok {
		return job.ErrGroupNotFound
	}
	group := loaded.(*job.Group)

	for _, sheet := range group.Sheets() {
		c.cancelSheet(ctx, sheet)
		c.sheets.Delete(sheet.ID())
	}
	c.byOutputPath.Delete(normalizeOutputPath(group.OutputFolder()))
	group.RecomputeStatus()

	if err := group.ReleaseResources(); err != nil {
		c.logger.Error(ctx, "releasing group resources", "group_id", groupID, "error", err)
	}
	if err := c.store.RemoveGroup(ctx, groupID); err != nil {
		c.logger.Error(ctx, "removing group snapshot", "group_id", groupID, "error", err)
	}
	c.notifyGroup(ctx, group)
	return nil
}

// PauseSheet requests one sheet to stop at its next row boundary.
func (c *ActiveCollection) PauseSheet(ctx context.Context, sheetID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.pause_sheet",
		trace.WithAttributes(attribute.String("sheet_id", sheetID.String())))
	defer span.End()

	sheet, ok := c.Sheet(sheetID)
	if !ok {
		return job.ErrSheetNotFound
	}

	if sheet.Pause() {
		c.persistSheet(ctx, sheet)
		c.notifySheet(ctx, sheet)
	}
	if group, ok := c.Group(sheet.GroupID()); ok {
		c.refreshGroup(ctx, group)
	}
	return nil
}

// ResumeSheet returns one paused sheet to running.
func (c *ActiveCollection) ResumeSheet(ctx context.Context, sheetID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.resume_sheet",
		trace.WithAttributes(attribute.String("sheet_id", sheetID.String())))
	defer span.End()

	sheet, ok := c.Sheet(sheetID)
	if !ok {
		return job.ErrSheetNotFound
	}

	c.resumeSheet(ctx, sheet)
	if group, ok := c.Group(sheet.GroupID()); ok {
		c.refreshGroup(ctx, group)
	}
	return nil
}

// CancelSheet cancels one sheet. If that leaves the whole group terminal the
// group is archived.
func (c *ActiveCollection) CancelSheet(ctx context.Context, sheetID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.cancel_sheet",
		trace.WithAttributes(attribute.String("sheet_id", sheetID.String())))
	defer span.End()

	sheet, ok := c.Sheet(sheetID)
	if !ok {
		return job.ErrSheetNotFound
	}

	c.cancelSheet(ctx, sheet)
	if group, ok := c.Group(sheet.GroupID()); ok {
		c.refreshGroup(ctx, group)
		c.maybeArchive(ctx, group.ID())
	}
	return nil
}

// CancelAndRemoveSheet cancels one sheet and detaches it from its group.
// Removing the last member removes the whole group.
func (c *ActiveCollection) CancelAndRemoveSheet(ctx context.Context, sheetID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "active_collection.cancel_and_remove_sheet",
		trace.WithAttributes(attribute.String("sheet_id", sheetID.String())))
	defer span.End()

	sheet, ok := c.Sheet(sheetID)
	if !ok {
		return job.ErrSheetNotFound
	}

	group, ok := c.Group(sheet.GroupID())
	if !ok {
		return job.ErrGroupNotFound
	}

	c.cancelSheet(ctx, sheet)

	group.RemoveSheet(sheetID)
	c.sheets.Delete(sheetID)
	if err := c.store.RemoveSheet(ctx, sheetID); err != nil {
		c.logger.Error(ctx, "removing sheet snapshot", "sheet_id", sheetID, "error", err)
	}

	if group.SheetCount() == 0 {
		return c.CancelAndRemoveGroup(ctx, group.ID())
	}

	c.refreshGroup(ctx, group)
	c.maybeArchive(ctx, group.ID())
	return nil
}

// PauseAll pauses every active group.
func (c *ActiveCollection) PauseAll(ctx context.Context) {
	for _, group := range c.Groups() {
		if err := c.PauseGroup(ctx, group.ID()); err != nil {
			c.logger.Error(ctx, "pausing group", "group_id", group.ID(), "error", err)
		}
	}
}

// ResumeAll resumes every active group.
func (c *ActiveCollection) ResumeAll(ctx context.Context) {
	for _, group := range c.Groups() {
		if err := c.ResumeGroup(ctx, group.ID()); err != nil {
			c.logger.Error(ctx, "resuming group", "group_id", group.ID(), "error", err)
		}
	}
}

// CancelAll cancels every active group.
func (c *ActiveCollection) CancelAll(ctx context.Context) {
	for _, group := range c.Groups() {
		if err := c.CancelGroup(ctx, group.ID()); err != nil {
			c.logger.Error(ctx, "cancelling group", "group_id", group.ID(), "error", err)
		}
	}
}

// SheetCompleted is called by the runner after a sheet reached a stopping
// point. It persists the outcome, refreshes the aggregate, and archives the
// group if this was the last live member.
func (c *ActiveCollection) SheetCompleted(ctx context.Context, sheetID uuid.UUID) {
	ctx, span := c.tracer.Start(ctx, "active_collection.sheet_completed",
		trace.WithAttributes(attribute.String("sheet_id", sheetID.String())))
	defer span.End()

	sheet, ok := c.Sheet(sheetID)
	if !ok {
		// Already removed, e.g. by CancelAndRemoveSheet racing the worker.
		return
	}

	c.persistSheet(ctx, sheet)
	c.notifySheet(ctx, sheet)

	group, ok := c.Group(sheet.GroupID())
	if !ok {
		return
	}
	c.refreshGroup(ctx, group)
	c.maybeArchive(ctx, group.ID())
}

// maybeArchive moves a group whose members are all terminal out of the
// collection. LoadAndDelete makes the removal at-most-once when a control
// operation races the last worker's completion callback.
func (c *ActiveCollection) maybeArchive(ctx context.Context, groupID uuid.UUID) {
	loaded, ok := c.groups.Load(groupID)
	if !ok {
		return
	}
	group := loaded.(*job.Group)

	for _, sheet := range group.Sheets() {
		if !sheet.Status().IsTerminal() || sheet.Executing() {
			return
		}
	}

	if _, ok := c.groups.LoadAndDelete(groupID); !ok {
		return
	}

	for _, sheet := range group.Sheets() {
		c.sheets.Delete(sheet.ID())
	}
	c.byOutputPath.Delete(normalizeOutputPath(group.OutputFolder()))

	group.RecomputeStatus()
	if err := group.ReleaseResources(); err != nil {
		c.logger.Error(ctx, "releasing group resources", "group_id", groupID, "error", err)
	}

	c.persistGroup(ctx, group)
	c.notifyGroup(ctx, group)
	c.metrics.IncGroupsArchived(ctx, group.Status())
	c.logger.Info(ctx, "group archived", "group_id", groupID, "status", group.Status())

	if c.onArchived != nil {
		c.onArchived(ctx, group)
	}
}

// Group returns the active group with the given id.
func (c *ActiveCollection) Group(id uuid.UUID) (*job.Group, bool) {
	v, ok := c.groups.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*job.Group), true
}

// Sheet returns the active sheet with the given id.
func (c *ActiveCollection) Sheet(id uuid.UUID) (*job.Sheet, bool) {
	v, ok := c.sheets.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*job.Sheet), true
}

// Groups returns every active group.
func (c *ActiveCollection) Groups() []*job.Group {
	var out []*job.Group
	c.groups.Range(func(_, v any) bool {
		out = append(out, v.(*job.Group))
		return true
	})
	return out
}

// GroupCount returns the number of active groups.
func (c *ActiveCollection) GroupCount() int { return len(c.Groups()) }

// GroupByOutputPath returns the active group writing into the given output
// folder. Callers use it to detect a resubmission against the same target.
func (c *ActiveCollection) GroupByOutputPath(path string) (*job.Group, bool) {
	v, ok := c.byOutputPath.Load(normalizeOutputPath(path))
	if !ok {
		return nil, false
	}
	return c.Group(v.(uuid.UUID))
}

// normalizeOutputPath canonicalizes an output folder path so that lookups
// match regardless of trailing separators or redundant elements.
func normalizeOutputPath(path string) string { return filepath.Clean(path) }

// GroupsByStatus returns the active groups currently in the given status.
func (c *ActiveCollection) GroupsByStatus(status job.GroupStatus) []*job.Group {
	var out []*job.Group
	for _, group := range c.Groups() {
		if group.Status() == status {
			out = append(out, group)
		}
	}
	return out
}

// RunningGroups returns the groups with work in flight.
func (c *ActiveCollection) RunningGroups() []*job.Group {
	return c.GroupsByStatus(job.GroupStatusRunning)
}

// PausedGroups returns the groups whose live members are all paused.
func (c *ActiveCollection) PausedGroups() []*job.Group {
	return c.GroupsByStatus(job.GroupStatusPaused)
}

// PendingGroups returns the groups not yet started.
func (c *ActiveCollection) PendingGroups() []*job.Group {
	return c.GroupsByStatus(job.GroupStatusPending)
}

// refreshGroup re-derives the aggregate status, persists it, and notifies
// subscribers with the latest progress.
func (c *ActiveCollection) refreshGroup(ctx context.Context, group *job.Group) {
	group.RecomputeStatus()
	c.persistGroup(ctx, group)
	c.notifyGroup(ctx, group)
}

func (c *ActiveCollection) persistGroup(ctx context.Context, group *job.Group) {
	if err := c.store.SaveGroup(ctx, group.Snapshot()); err != nil {
		c.logger.Error(ctx, "persisting group snapshot", "group_id", group.ID(), "error", err)
	}
}

func (c *ActiveCollection) persistSheet(ctx context.Context, sheet *job.Sheet) {
	snap, err := sheet.Snapshot()
	if err != nil {
		c.logger.Error(ctx, "building sheet snapshot", "sheet_id", sheet.ID(), "error", err)
		return
	}
	if err := c.store.SaveSheet(ctx, snap); err != nil {
		c.logger.Error(ctx, "persisting sheet snapshot", "sheet_id", sheet.ID(), "error", err)
	}
}

func (c *ActiveCollection) notifyGroup(ctx context.Context, group *job.Group) {
	if err := c.notifier.NotifyGroupStatus(ctx, group.ID(), group.Status()); err != nil {
		c.logger.Warn(ctx, "group status notification failed", "group_id", group.ID(), "error", err)
	}
	if err := c.notifier.NotifyGroupProgress(ctx, group.ID(), group.Progress(), group.ErrorCount()); err != nil {
		c.logger.Warn(ctx, "group progress notification failed", "group_id", group.ID(), "error", err)
	}
}

func (c *ActiveCollection) notifySheet(ctx context.Context, sheet *job.Sheet) {
	if err := c.notifier.NotifySheetStatus(ctx, sheet.ID(), sheet.Status(), sheet.ErrorMessage()); err != nil {
		c.logger.Warn(ctx, "sheet status notification failed", "sheet_id", sheet.ID(), "error", err)
	}
}
