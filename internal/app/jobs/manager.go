package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slidegen/internal/domain/job"
	"slidegen/pkg/common/logger"
)

// Manager is the facade over the active collection and the archive. It owns
// job submission and the restart restore procedure; control operations pass
// through to the active collection.
type Manager struct {
	active    *ActiveCollection
	completed *CompletedCollection
	store     job.StateStore
	workbooks job.WorkbookOpener
	templates job.TemplateOpener

	logger *logger.Logger
	tracer trace.Tracer
}

// NewManager creates the job manager.
func NewManager(
	active *ActiveCollection,
	completed *CompletedCollection,
	store job.StateStore,
	workbooks job.WorkbookOpener,
	templates job.TemplateOpener,
	log *logger.Logger,
	tracer trace.Tracer,
) *Manager {
	return &Manager{
		active:    active,
		completed: completed,
		store:     store,
		workbooks: workbooks,
		templates: templates,
		logger:    log.With("component", "job_manager"),
		tracer:    tracer,
	}
}

// SubmitRequest describes one workbook submission. An empty SheetNames
// selects every worksheet in the workbook.
type SubmitRequest struct {
	WorkbookPath string
	TemplatePath string
	OutputFolder string
	SheetNames   []string
	Rules        job.RuleSet
}

// Submit opens the workbook and template, resolves the requested worksheets,
// and registers a new group in Pending state. Nothing is created or
// persisted when validation fails.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*job.Group, error) {
	ctx, span := m.tracer.Start(ctx, "job_manager.submit",
		trace.WithAttributes(attribute.String("workbook", req.WorkbookPath)))
	defer span.End()

	if strings.TrimSpace(req.OutputFolder) == "" {
		return nil, job.ErrInvalidOutputPath
	}
	if err := os.MkdirAll(req.OutputFolder, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", job.ErrInvalidOutputPath, err)
	}

	workbook, err := m.workbooks.OpenWorkbook(ctx, req.WorkbookPath)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}

	template, err := m.templates.OpenTemplate(ctx, req.TemplatePath)
	if err != nil {
		workbook.Close()
		return nil, fmt.Errorf("opening template: %w", err)
	}

	names := req.SheetNames
	if len(names) == 0 {
		names = workbook.SheetNames()
	}

	group := job.NewGroup(workbook, template, req.OutputFolder, req.Rules)
	for _, name := range names {
		worksheet, ok := workbook.Sheet(name)
		if !ok {
			m.logger.Warn(ctx, "requested worksheet not in workbook", "sheet", name, "workbook", req.WorkbookPath)
			continue
		}
		group.AddSheet(name, worksheet.RowCount(), OutputPathFor(req.OutputFolder, name))
	}

	if group.SheetCount() == 0 {
		if err := group.ReleaseResources(); err != nil {
			m.logger.Error(ctx, "releasing unused group resources", "error", err)
		}
		return nil, job.ErrNoSheetsResolved
	}

	m.active.AddGroup(ctx, group)
	m.logger.Info(ctx, "group submitted", "group_id", group.ID(), "sheets", group.SheetCount())
	return group, nil
}

// OutputPathFor builds the deterministic output path for a worksheet.
func OutputPathFor(outputFolder, sheetName string) string {
	return filepath.Join(outputFolder, sanitizeFileName(sheetName)+".pptx")
}

// sanitizeFileName replaces characters that are invalid in file names across
// the supported platforms.
func sanitizeFileName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)

	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		return "_"
	}
	return sanitized
}

// Start dispatches every pending sheet of a submitted group.
func (m *Manager) Start(ctx context.Context, groupID uuid.UUID) error {
	return m.active.StartGroup(ctx, groupID)
}

// PauseGroup pauses an active group.
func (m *Manager) PauseGroup(ctx context.Context, groupID uuid.UUID) error {
	return m.active.PauseGroup(ctx, groupID)
}

// ResumeGroup resumes a paused group.
func (m *Manager) ResumeGroup(ctx context.Context, groupID uuid.UUID) error {
	return m.active.ResumeGroup(ctx, groupID)
}

// CancelGroup cancels an active group.
func (m *Manager) CancelGroup(ctx context.Context, groupID uuid.UUID) error {
	return m.active.CancelGroup(ctx, groupID)
}

// PauseSheet pauses one active sheet.
func (m *Manager) PauseSheet(ctx context.Context, sheetID uuid.UUID) error {
	return m.active.PauseSheet(ctx, sheetID)
}

// ResumeSheet resumes one paused sheet.
func (m *Manager) ResumeSheet(ctx context.Context, sheetID uuid.UUID) error {
	return m.active.ResumeSheet(ctx, sheetID)
}

// CancelSheet cancels one active sheet.
func (m *Manager) CancelSheet(ctx context.Context, sheetID uuid.UUID) error {
	return m.active.CancelSheet(ctx, sheetID)
}

// PauseAll pauses every active group.
func (m *Manager) PauseAll(ctx context.Context) { m.active.PauseAll(ctx) }

// ResumeAll resumes every active group.
func (m *Manager) ResumeAll(ctx context.Context) { m.active.ResumeAll(ctx) }

// CancelAll cancels every active group.
func (m *Manager) CancelAll(ctx context.Context) { m.active.CancelAll(ctx) }

// Active returns the live-job collection.
func (m *Manager) Active() *ActiveCollection { return m.active }

// Completed returns the archive.
func (m *Manager) Completed() *CompletedCollection { return m.completed }

// GetGroup finds a group in either collection.
func (m *Manager) GetGroup(id uuid.UUID) (*job.Group, bool) {
	if group, ok := m.active.Group(id); ok {
		return group, true
	}
	return m.completed.Group(id)
}

// GetSheet finds a sheet in either collection.
func (m *Manager) GetSheet(id uuid.UUID) (*job.Sheet, bool) {
	if sheet, ok := m.active.Sheet(id); ok {
		return sheet, true
	}
	return m.completed.Sheet(id)
}

// Groups returns every known group, active first.
func (m *Manager) Groups() []*job.Group {
	return append(m.active.Groups(), m.completed.Groups()...)
}

// Logs returns the persisted log entries for a group or sheet job.
func (m *Manager) Logs(ctx context.Context, jobID uuid.UUID) ([]job.LogEntry, error) {
	return m.store.Logs(ctx, jobID)
}

// Restore rebuilds both collections from persisted snapshots after a process
// restart. Groups in a terminal status become read-only archive entries with
// placeholder file handles; active groups get their workbook and template
// reopened and every non-terminal sheet forced to Paused, waiting for an
// operator resume. A group whose snapshots cannot be rebuilt is skipped
// whole and logged.
func (m *Manager) Restore(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "job_manager.restore")
	defer span.End()

	snaps, err := m.store.ListGroups(ctx)
	if err != nil {
		m.logger.Warn(ctx, "listing all groups failed, falling back to active only", "error", err)
		snaps, err = m.store.ListActiveGroups(ctx)
		if err != nil {
			return fmt.Errorf("listing persisted groups: %w", err)
		}
	}

	var restored, archived, skipped int
	for _, snap := range snaps {
		sheets, err := m.store.ListSheetsByGroup(ctx, snap.ID)
		if err != nil {
			m.logger.Error(ctx, "skipping group, sheet snapshots unreadable", "group_id", snap.ID, "error", err)
			skipped++
			continue
		}
		if len(sheets) == 0 {
			m.logger.Warn(ctx, "skipping group with no sheet snapshots", "group_id", snap.ID)
			skipped++
			continue
		}

		if snap.Status.IsTerminal() {
			m.restoreArchived(ctx, snap, sheets)
			archived++
			continue
		}

		if ok := m.restoreActive(ctx, snap, sheets); ok {
			restored++
		} else {
			skipped++
		}
	}

	m.logger.Info(ctx, "restore finished", "active", restored, "archived", archived, "skipped", skipped)
	return nil
}

// restoreArchived rebuilds a terminal group as a read-only archive entry.
// The original files may be long gone, so placeholders stand in for the
// workbook and template handles.
func (m *Manager) restoreArchived(ctx context.Context, snap job.GroupSnapshot, sheets []job.SheetSnapshot) {
	group := job.NewGroup(
		newPlaceholderWorkbook(snap.WorkbookPath, sheets),
		placeholderTemplate{path: snap.TemplatePath},
		snap.OutputFolder,
		m.rulesFrom(ctx, sheets),
		job.WithGroupID(snap.ID),
		job.WithGroupTimeline(job.ReconstructTimeline(snap.CreatedAt, snap.CreatedAt, snap.CreatedAt)),
	)
	m.rebuildSheets(group, sheets, nil)
	group.RecomputeStatus()

	// Nothing to close on placeholders; mark the handles released anyway so
	// the archive invariant holds.
	if err := group.ReleaseResources(); err != nil {
		m.logger.Error(ctx, "releasing placeholder resources", "group_id", snap.ID, "error", err)
	}

	m.completed.AddGroup(ctx, group)
}

// restoreActive rebuilds a non-terminal group with real file handles.
func (m *Manager) restoreActive(ctx context.Context, snap job.GroupSnapshot, sheets []job.SheetSnapshot) bool {
	workbook, err := m.workbooks.OpenWorkbook(ctx, snap.WorkbookPath)
	if err != nil {
		m.logger.Error(ctx, "skipping group, workbook unavailable", "group_id", snap.ID, "path", snap.WorkbookPath, "error", err)
		return false
	}

	template, err := m.templates.OpenTemplate(ctx, snap.TemplatePath)
	if err != nil {
		workbook.Close()
		m.logger.Error(ctx, "skipping group, template unavailable", "group_id", snap.ID, "path", snap.TemplatePath, "error", err)
		return false
	}

	group := job.NewGroup(
		workbook,
		template,
		snap.OutputFolder,
		m.rulesFrom(ctx, sheets),
		job.WithGroupID(snap.ID),
		job.WithGroupTimeline(job.ReconstructTimeline(snap.CreatedAt, snap.CreatedAt, snap.CreatedAt)),
	)

	// A sheet that was live when the process died cannot still be running;
	// it comes back Paused and waits for an operator resume.
	m.rebuildSheets(group, sheets, func(status job.SheetStatus) job.SheetStatus {
		if status.IsTerminal() {
			return status
		}
		return job.SheetStatusPaused
	})
	group.RecomputeStatus()

	return m.active.RestoreGroup(ctx, group)
}

// rebuildSheets reattaches persisted sheets to a rebuilt group. mapStatus,
// when non-nil, rewrites each persisted status before it is applied.
func (m *Manager) rebuildSheets(group *job.Group, sheets []job.SheetSnapshot, mapStatus func(job.SheetStatus) job.SheetStatus) {
	for _, snap := range sheets {
		sheet := group.AddSheet(snap.SheetName, snap.TotalRows, snap.OutputPath, job.WithSheetID(snap.ID))
		sheet.RestoreProgress(snap.NextRow, snap.ErrorCount, snap.ErrorMessage)

		status := snap.Status
		if mapStatus != nil {
			status = mapStatus(status)
		}
		sheet.ForceStatus(status)
	}
}

// rulesFrom recovers the replacement configuration from the first sheet
// snapshot carrying one. Missing or corrupt rules degrade to an empty set.
func (m *Manager) rulesFrom(ctx context.Context, sheets []job.SheetSnapshot) job.RuleSet {
	for _, snap := range sheets {
		if len(snap.Rules) == 0 {
			continue
		}
		rules, err := job.DecodeRuleSet(snap.Rules)
		if err != nil {
			m.logger.Warn(ctx, "decoding persisted rules failed", "sheet_id", snap.ID, "error", err)
			continue
		}
		return rules
	}
	return job.RuleSet{}
}

// placeholderWorkbook stands in for the data workbook of an archived group.
// It answers metadata queries from the persisted snapshots and holds no file
// handle.
type placeholderWorkbook struct {
	path  string
	names []string
	rows  map[string]int
}

func newPlaceholderWorkbook(path string, sheets []job.SheetSnapshot) *placeholderWorkbook {
	w := &placeholderWorkbook{path: path, rows: make(map[string]int, len(sheets))}
	for _, snap := range sheets {
		w.names = append(w.names, snap.SheetName)
		w.rows[snap.SheetName] = snap.TotalRows
	}
	return w
}

func (w *placeholderWorkbook) Path() string         { return w.path }
func (w *placeholderWorkbook) Name() string         { return filepath.Base(w.path) }
func (w *placeholderWorkbook) SheetNames() []string { return append([]string(nil), w.names...) }
func (w *placeholderWorkbook) Close() error         { return nil }

func (w *placeholderWorkbook) Sheet(name string) (job.Worksheet, bool) {
	rows, ok := w.rows[name]
	if !ok {
		return nil, false
	}
	return placeholderWorksheet{name: name, rows: rows}, true
}

type placeholderWorksheet struct {
	name string
	rows int
}

func (s placeholderWorksheet) Name() string  { return s.name }
func (s placeholderWorksheet) RowCount() int { return s.rows }

func (s placeholderWorksheet) Row(int) (map[string]string, error) {
	return nil, fmt.Errorf("worksheet %s is archived; row data is not available", s.name)
}

// placeholderTemplate stands in for the template of an archived group.
type placeholderTemplate struct {
	path string
}

func (t placeholderTemplate) Path() string { return t.path }
func (t placeholderTemplate) Close() error { return nil }
