package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"slidegen/internal/domain/job"
	"slidegen/internal/infra/storage/memory"
	"slidegen/pkg/common/logger"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// fakeBackend records enqueues and withdrawals without running anything.
type fakeBackend struct {
	mu         sync.Mutex
	enqueued   []uuid.UUID
	deleted    []string
	enqueueErr error
	next       int
}

func (b *fakeBackend) Enqueue(ctx context.Context, sheetID uuid.UUID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return "", b.enqueueErr
	}
	b.next++
	b.enqueued = append(b.enqueued, sheetID)
	return fmt.Sprintf("handle-%d", b.next), nil
}

func (b *fakeBackend) Delete(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, handle)
	return nil
}

func (b *fakeBackend) enqueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.enqueued)
}

// fakeNotifier records every notification.
type fakeNotifier struct {
	mu            sync.Mutex
	sheetStatuses map[uuid.UUID][]job.SheetStatus
	groupStatuses map[uuid.UUID][]job.GroupStatus
	sheetErrors   []string
	progressCount int
	logs          []job.LogEntry
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		sheetStatuses: make(map[uuid.UUID][]job.SheetStatus),
		groupStatuses: make(map[uuid.UUID][]job.GroupStatus),
	}
}

func (n *fakeNotifier) NotifySheetProgress(ctx context.Context, sheetID uuid.UUID, row, totalRows int, progress float32, errorCount int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progressCount++
	return nil
}

func (n *fakeNotifier) NotifySheetStatus(ctx context.Context, sheetID uuid.UUID, status job.SheetStatus, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sheetStatuses[sheetID] = append(n.sheetStatuses[sheetID], status)
	return nil
}

func (n *fakeNotifier) NotifySheetError(ctx context.Context, sheetID uuid.UUID, row int, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sheetErrors = append(n.sheetErrors, message)
	return nil
}

func (n *fakeNotifier) NotifyGroupProgress(ctx context.Context, groupID uuid.UUID, progress float32, errorCount int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progressCount++
	return nil
}

func (n *fakeNotifier) NotifyGroupStatus(ctx context.Context, groupID uuid.UUID, status job.GroupStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groupStatuses[groupID] = append(n.groupStatuses[groupID], status)
	return nil
}

func (n *fakeNotifier) NotifyLog(ctx context.Context, entry job.LogEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, entry)
	return nil
}

func (n *fakeNotifier) lastSheetStatus(id uuid.UUID) (job.SheetStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	statuses := n.sheetStatuses[id]
	if len(statuses) == 0 {
		return job.SheetStatusUnspecified, false
	}
	return statuses[len(statuses)-1], true
}

// nopMetrics discards every counter.
type nopMetrics struct{}

func (nopMetrics) IncGroupsCreated(context.Context)                   {}
func (nopMetrics) IncGroupsArchived(context.Context, job.GroupStatus) {}
func (nopMetrics) IncSheetsDispatched(context.Context)                {}
func (nopMetrics) IncRowsProcessed(context.Context, int)              {}
func (nopMetrics) IncRowErrors(context.Context, int)                  {}

// memWorksheet is a worksheet backed by in-memory rows.
type memWorksheet struct {
	name string
	rows []map[string]string
}

func (s *memWorksheet) Name() string  { return s.name }
func (s *memWorksheet) RowCount() int { return len(s.rows) }

func (s *memWorksheet) Row(index int) (map[string]string, error) {
	if index < 0 || index >= len(s.rows) {
		return nil, fmt.Errorf("no row %d", index)
	}
	return s.rows[index], nil
}

// memWorkbook is a workbook backed by in-memory worksheets.
type memWorkbook struct {
	path   string
	order  []string
	sheets map[string]*memWorksheet
	closed int
}

func newMemWorkbook(path string) *memWorkbook {
	return &memWorkbook{path: path, sheets: make(map[string]*memWorksheet)}
}

func (w *memWorkbook) addSheet(name string, rows []map[string]string) *memWorkbook {
	w.order = append(w.order, name)
	w.sheets[name] = &memWorksheet{name: name, rows: rows}
	return w
}

func (w *memWorkbook) Path() string         { return w.path }
func (w *memWorkbook) Name() string         { return w.path }
func (w *memWorkbook) SheetNames() []string { return append([]string(nil), w.order...) }

func (w *memWorkbook) Sheet(name string) (job.Worksheet, bool) {
	ws, ok := w.sheets[name]
	return ws, ok
}

func (w *memWorkbook) Close() error {
	w.closed++
	return nil
}

// memTemplate is a template handle with no backing file.
type memTemplate struct {
	path   string
	closed int
}

func (t *memTemplate) Path() string { return t.path }
func (t *memTemplate) Close() error {
	t.closed++
	return nil
}

// memOpener serves pre-registered workbooks and templates by path.
type memOpener struct {
	workbooks map[string]*memWorkbook
	templates map[string]*memTemplate
}

func newMemOpener() *memOpener {
	return &memOpener{
		workbooks: make(map[string]*memWorkbook),
		templates: make(map[string]*memTemplate),
	}
}

func (o *memOpener) OpenWorkbook(ctx context.Context, path string) (job.Workbook, error) {
	wb, ok := o.workbooks[path]
	if !ok {
		return nil, errors.New("workbook not found: " + path)
	}
	return wb, nil
}

func (o *memOpener) OpenTemplate(ctx context.Context, path string) (job.Template, error) {
	tpl, ok := o.templates[path]
	if !ok {
		return nil, errors.New("template not found: " + path)
	}
	return tpl, nil
}

// stubRenderer invokes an optional per-row hook; PrepareOutput and RenderRow
// never touch the filesystem.
type stubRenderer struct {
	mu         sync.Mutex
	prepared   []string
	prepareErr error
	onRow      func(row int) (job.RowResult, error)
}

func (r *stubRenderer) PrepareOutput(ctx context.Context, outputPath, templatePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prepareErr != nil {
		return r.prepareErr
	}
	r.prepared = append(r.prepared, outputPath)
	return nil
}

func (r *stubRenderer) RenderRow(ctx context.Context, req job.RenderRowRequest, checkpoint job.CheckpointFunc) (job.RowResult, error) {
	if err := checkpoint(ctx, job.StageBeforeMutate); err != nil {
		return job.RowResult{}, err
	}
	if r.onRow != nil {
		return r.onRow(req.RowIndex)
	}
	return job.RowResult{}, nil
}

// env bundles a fully wired application layer over in-memory infrastructure.
type env struct {
	store     *memory.StateStore
	backend   *fakeBackend
	notifier  *fakeNotifier
	active    *ActiveCollection
	completed *CompletedCollection
	opener    *memOpener
	renderer  *stubRenderer
	manager   *Manager
	runner    *SheetRunner
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		store:    memory.NewStateStore(),
		backend:  &fakeBackend{},
		notifier: newFakeNotifier(),
		opener:   newMemOpener(),
		renderer: &stubRenderer{},
	}

	log := testLogger()
	tracer := testTracer()

	e.active = NewActiveCollection(e.store, e.backend, e.notifier, nopMetrics{}, log, tracer)
	e.completed = NewCompletedCollection(e.store, log, tracer)
	e.active.SetArchiveHook(func(ctx context.Context, group *job.Group) {
		e.completed.AddGroup(ctx, group)
	})
	e.manager = NewManager(e.active, e.completed, e.store, e.opener, e.opener, log, tracer)
	e.runner = NewSheetRunner(e.active, e.renderer, e.store, e.notifier, nopMetrics{}, log, tracer)
	return e
}

// submitGroup registers a workbook with the given sheets and submits it.
func (e *env) submitGroup(t *testing.T, outputFolder string, sheetRows map[string]int) *job.Group {
	t.Helper()

	wb := newMemWorkbook("/data/book.xlsx")
	for name, rows := range sheetRows {
		data := make([]map[string]string, rows)
		for i := range data {
			data[i] = map[string]string{"Name": fmt.Sprintf("row-%d", i)}
		}
		wb.addSheet(name, data)
	}
	e.opener.workbooks[wb.path] = wb
	e.opener.templates["/data/deck.pptx"] = &memTemplate{path: "/data/deck.pptx"}

	group, err := e.manager.Submit(context.Background(), SubmitRequest{
		WorkbookPath: wb.path,
		TemplatePath: "/data/deck.pptx",
		OutputFolder: outputFolder,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return group
}
