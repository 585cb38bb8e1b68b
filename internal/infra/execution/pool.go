// Package execution provides the in-process execution facility that runs
// sheet jobs on a bounded pool of workers.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"slidegen/internal/domain/job"
	"slidegen/pkg/common/logger"
)

// RunFunc executes one sheet job to a stopping point. It is bound after
// construction because the runner and the orchestrator reference the pool.
type RunFunc func(ctx context.Context, sheetID uuid.UUID) error

// entry tracks one enqueued execution until its worker finishes.
type entry struct {
	sheetID   uuid.UUID
	started   bool
	withdrawn bool
}

var _ job.ExecutionBackend = (*Pool)(nil)

// Pool implements job.ExecutionBackend with a semaphore-bounded set of
// goroutines. Each Enqueue admits one goroutine that waits for a worker slot;
// Delete withdraws an execution that has not claimed a slot yet.
type Pool struct {
	logger *logger.Logger
	tracer trace.Tracer

	sem *semaphore.Weighted
	run RunFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool creates a pool that runs at most workers sheet executions at once.
// Bind a runner with SetRunner before the first Enqueue.
func NewPool(workers int, log *logger.Logger, tracer trace.Tracer) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:  log.With("component", "execution_pool"),
		tracer:  tracer,
		sem:     semaphore.NewWeighted(int64(workers)),
		baseCtx: ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// SetRunner binds the function workers execute. Must be called before the
// first Enqueue.
func (p *Pool) SetRunner(run RunFunc) { p.run = run }

// Enqueue schedules the sheet for execution and returns a handle that can
// withdraw it while it waits for a worker slot.
func (p *Pool) Enqueue(ctx context.Context, sheetID uuid.UUID) (string, error) {
	if p.run == nil {
		return "", errors.New("execution pool has no runner bound")
	}
	if err := p.baseCtx.Err(); err != nil {
		return "", fmt.Errorf("execution pool is shut down: %w", err)
	}

	handle := uuid.NewString()
	e := &entry{sheetID: sheetID}

	p.mu.Lock()
	p.entries[handle] = e
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatch(handle, e)

	return handle, nil
}

func (p *Pool) dispatch(handle string, e *entry) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
		p.discard(handle)
		return
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	if e.withdrawn {
		delete(p.entries, handle)
		p.mu.Unlock()
		return
	}
	e.started = true
	p.mu.Unlock()
	defer p.discard(handle)

	ctx, span := p.tracer.Start(p.baseCtx, "execution_pool.run_sheet",
		trace.WithAttributes(attribute.String("sheet_id", e.sheetID.String())))
	defer span.End()

	if err := p.run(ctx, e.sheetID); err != nil {
		span.RecordError(err)
		p.logger.Error(ctx, "sheet execution returned error", "sheet_id", e.sheetID, "error", err)
	}
}

func (p *Pool) discard(handle string) {
	p.mu.Lock()
	delete(p.entries, handle)
	p.mu.Unlock()
}

// Delete withdraws a queued execution. A handle whose execution already
// started, finished, or was never issued is ignored; a running worker stops
// through the sheet's stop signal instead.
func (p *Pool) Delete(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[handle]
	if !ok || e.started {
		return nil
	}
	e.withdrawn = true
	return nil
}

// QueuedCount returns the number of executions admitted but not finished.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown stops admitting work and waits for in-flight workers to return,
// or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
