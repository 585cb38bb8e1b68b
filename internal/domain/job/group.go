package job

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Group is the aggregate for one workbook submission. It owns the open
// workbook and template handles, the ordered set of member sheet jobs, and an
// aggregate status derived from the members.
type Group struct {
	id           uuid.UUID
	workbook     Workbook
	template     Template
	outputFolder string
	rules        RuleSet

	released atomic.Bool

	mu       sync.RWMutex
	status   GroupStatus
	order    []uuid.UUID
	sheets   map[uuid.UUID]*Sheet
	timeline *Timeline
}

// GroupOption defines functional options for configuring a new Group.
type GroupOption func(*Group)

// WithGroupID preserves an existing id, used when restoring from a snapshot.
func WithGroupID(id uuid.UUID) GroupOption {
	return func(g *Group) { g.id = id }
}

// WithGroupTimeline reinstates persisted timestamps on a restored group.
func WithGroupTimeline(timeline *Timeline) GroupOption {
	return func(g *Group) { g.timeline = timeline }
}

// NewGroup creates a group job in Pending state holding the given open
// workbook and template. The group takes ownership of both handles and closes
// them in ReleaseResources.
func NewGroup(workbook Workbook, template Template, outputFolder string, rules RuleSet, opts ...GroupOption) *Group {
	g := &Group{
		id:           uuid.New(),
		workbook:     workbook,
		template:     template,
		outputFolder: outputFolder,
		rules:        rules,
		status:       GroupStatusPending,
		sheets:       make(map[uuid.UUID]*Sheet),
		timeline:     NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// ID returns the unique identifier for this group job.
func (g *Group) ID() uuid.UUID { return g.id }

// Workbook returns the open data workbook backing this group.
func (g *Group) Workbook() Workbook { return g.workbook }

// Template returns the open template presentation backing this group.
func (g *Group) Template() Template { return g.template }

// OutputFolder returns the directory output documents are written to.
func (g *Group) OutputFolder() string { return g.outputFolder }

// Rules returns the replacement configuration shared by all member sheets.
func (g *Group) Rules() RuleSet { return g.rules }

// CreatedAt returns the time the group job was created.
func (g *Group) CreatedAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timeline.StartedAt()
}

// Status returns the aggregate status of the group.
func (g *Group) Status() GroupStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// IsActive reports whether the group is still in a non-terminal state.
func (g *Group) IsActive() bool { return g.Status().IsActive() }

// AddSheet creates a sheet job for the named worksheet and registers it as a
// member of this group. Insertion order is preserved.
func (g *Group) AddSheet(name string, totalRows int, outputPath string, opts ...SheetOption) *Sheet {
	sheet := NewSheet(g.id, name, totalRows, outputPath, g.rules, opts...)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.order = append(g.order, sheet.ID())
	g.sheets[sheet.ID()] = sheet
	g.timeline.UpdateLastUpdate()
	return sheet
}

// RemoveSheet detaches a member sheet from the group. It returns false when
// the id is not a member.
func (g *Group) RemoveSheet(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.sheets[id]; !ok {
		return false
	}
	delete(g.sheets, id)
	for i, sid := range g.order {
		if sid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.timeline.UpdateLastUpdate()
	return true
}

// Sheet returns the member sheet with the given id.
func (g *Group) Sheet(id uuid.UUID) (*Sheet, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sheets[id]
	return s, ok
}

// Sheets returns the member sheets in insertion order.
func (g *Group) Sheets() []*Sheet {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Sheet, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.sheets[id])
	}
	return out
}

// SheetCount returns the number of member sheets.
func (g *Group) SheetCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sheets)
}

// RecomputeStatus re-derives the aggregate status from the current member
// statuses and returns the result. A group with no remaining members keeps
// its current status.
func (g *Group) RecomputeStatus() GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.sheets) == 0 {
		return g.status
	}

	statuses := make([]SheetStatus, 0, len(g.sheets))
	for _, s := range g.sheets {
		statuses = append(statuses, s.Status())
	}

	derived := GroupStatusFromSheets(statuses)
	if derived != g.status {
		g.status = derived
		if derived.IsTerminal() {
			g.timeline.MarkCompleted()
		} else {
			g.timeline.UpdateLastUpdate()
		}
	}
	return g.status
}

// ForceStatus reinstates a persisted aggregate status, bypassing derivation.
// This should only be used during the restore procedure.
func (g *Group) ForceStatus(status GroupStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

// Progress returns the group completion percentage, weighting each member
// sheet by its row count.
func (g *Group) Progress() float32 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var done, total int
	for _, s := range g.sheets {
		done += s.NextRow()
		total += s.TotalRows()
	}
	if total == 0 {
		return 0
	}
	return float32(done) / float32(total) * 100
}

// ErrorCount returns the total number of row-level errors across all member
// sheets.
func (g *Group) ErrorCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var n int
	for _, s := range g.sheets {
		n += s.ErrorCount()
	}
	return n
}

// ReleaseResources closes the workbook and template handles. It is safe to
// call more than once; only the first call closes anything.
func (g *Group) ReleaseResources() error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if g.workbook != nil {
		if err := g.workbook.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if g.template != nil {
		if err := g.template.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Released reports whether the group's file handles have been closed.
func (g *Group) Released() bool { return g.released.Load() }

// Snapshot builds the persisted shape of this group.
func (g *Group) Snapshot() GroupSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errCount int
	sheetIDs := make([]uuid.UUID, 0, len(g.order))
	for _, id := range g.order {
		sheetIDs = append(sheetIDs, id)
		errCount += g.sheets[id].ErrorCount()
	}

	var workbookPath, templatePath string
	if g.workbook != nil {
		workbookPath = g.workbook.Path()
	}
	if g.template != nil {
		templatePath = g.template.Path()
	}

	return GroupSnapshot{
		ID:           g.id,
		WorkbookPath: workbookPath,
		TemplatePath: templatePath,
		OutputFolder: g.outputFolder,
		Status:       g.status,
		CreatedAt:    g.timeline.StartedAt(),
		SheetIDs:     sheetIDs,
		ErrorCount:   errCount,
	}
}
