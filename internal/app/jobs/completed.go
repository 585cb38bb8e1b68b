package jobs

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slidegen/internal/domain/job"
	"slidegen/pkg/common/logger"
)

// CompletedCollection is the read-mostly archive of finished groups. Groups
// arrive here with their file handles already released; the archive only
// supports queries and removal.
type CompletedCollection struct {
	store job.StateStore

	groups sync.Map // uuid.UUID -> *job.Group
	sheets sync.Map // uuid.UUID -> *job.Sheet

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCompletedCollection creates an empty archive.
func NewCompletedCollection(store job.StateStore, log *logger.Logger, tracer trace.Tracer) *CompletedCollection {
	return &CompletedCollection{
		store:  store,
		logger: log.With("component", "completed_collection"),
		tracer: tracer,
	}
}

// AddGroup archives a finished group. Adding the same id twice is a no-op.
func (c *CompletedCollection) AddGroup(ctx context.Context, group *job.Group) {
	if _, loaded := c.groups.LoadOrStore(group.ID(), group); loaded {
		c.logger.Warn(ctx, "group already archived", "group_id", group.ID())
		return
	}
	for _, sheet := range group.Sheets() {
		c.sheets.Store(sheet.ID(), sheet)
	}
}

// Group returns the archived group with the given id.
func (c *CompletedCollection) Group(id uuid.UUID) (*job.Group, bool) {
	v, ok := c.groups.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*job.Group), true
}

// Sheet returns the archived sheet with the given id.
func (c *CompletedCollection) Sheet(id uuid.UUID) (*job.Sheet, bool) {
	v, ok := c.sheets.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*job.Sheet), true
}

// Groups returns every archived group, oldest first.
func (c *CompletedCollection) Groups() []*job.Group {
	var out []*job.Group
	c.groups.Range(func(_, v any) bool {
		out = append(out, v.(*job.Group))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out
}

// GroupCount returns the number of archived groups.
func (c *CompletedCollection) GroupCount() int { return len(c.Groups()) }

// GroupsByStatus returns the archived groups with the given final status.
func (c *CompletedCollection) GroupsByStatus(status job.GroupStatus) []*job.Group {
	var out []*job.Group
	for _, group := range c.Groups() {
		if group.Status() == status {
			out = append(out, group)
		}
	}
	return out
}

// SuccessfulGroups returns the archived groups that completed cleanly.
func (c *CompletedCollection) SuccessfulGroups() []*job.Group {
	return c.GroupsByStatus(job.GroupStatusCompleted)
}

// FailedGroups returns the archived groups with at least one failed sheet.
func (c *CompletedCollection) FailedGroups() []*job.Group {
	return c.GroupsByStatus(job.GroupStatusFailed)
}

// CancelledGroups returns the archived groups that were cancelled.
func (c *CompletedCollection) CancelledGroups() []*job.Group {
	return c.GroupsByStatus(job.GroupStatusCancelled)
}

// RemoveGroup deletes an archived group and its persisted snapshots.
func (c *CompletedCollection) RemoveGroup(ctx context.Context, id uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "completed_collection.remove_group",
		trace.WithAttributes(attribute.String("group_id", id.String())))
	defer span.End()

	loaded, ok := c.groups.LoadAndDelete(id)
	if !ok {
		return job.ErrGroupNotFound
	}
	group := loaded.(*job.Group)

	for _, sheet := range group.Sheets() {
		c.sheets.Delete(sheet.ID())
	}
	if err := c.store.RemoveGroup(ctx, id); err != nil {
		c.logger.Error(ctx, "removing group snapshot", "group_id", id, "error", err)
	}
	return nil
}

// RemoveSheet deletes one archived sheet. Removing the last sheet removes the
// whole group.
func (c *CompletedCollection) RemoveSheet(ctx context.Context, sheetID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "completed_collection.remove_sheet",
		trace.WithAttributes(attribute.String("sheet_id", sheetID.String())))
	defer span.End()

	v, ok := c.sheets.Load(sheetID)
	if !ok {
		return job.ErrSheetNotFound
	}
	sheet := v.(*job.Sheet)

	group, ok := c.Group(sheet.GroupID())
	if !ok {
		return job.ErrGroupNotFound
	}

	c.sheets.Delete(sheetID)
	group.RemoveSheet(sheetID)
	if err := c.store.RemoveSheet(ctx, sheetID); err != nil {
		c.logger.Error(ctx, "removing sheet snapshot", "sheet_id", sheetID, "error", err)
	}

	if group.SheetCount() == 0 {
		return c.RemoveGroup(ctx, group.ID())
	}
	return nil
}

// ClearAll empties the archive and deletes every archived snapshot.
func (c *CompletedCollection) ClearAll(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "completed_collection.clear_all")
	defer span.End()

	for _, group := range c.Groups() {
		if err := c.RemoveGroup(ctx, group.ID()); err != nil {
			c.logger.Error(ctx, "clearing archived group", "group_id", group.ID(), "error", err)
		}
	}
}
