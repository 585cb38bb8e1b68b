// Package notify provides an in-memory event broker that fans job events out
// to subscribed clients. It is the process-local stand-in for a push channel
// such as a websocket hub; delivery is best effort and never affects job
// state.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidegen/internal/domain/job"
)

// SheetProgressEvent reports row progress for one sheet job.
type SheetProgressEvent struct {
	SheetID    uuid.UUID
	Row        int
	TotalRows  int
	Progress   float32
	ErrorCount int
	At         time.Time
}

// SheetStatusEvent reports a sheet status change.
type SheetStatusEvent struct {
	SheetID uuid.UUID
	Status  job.SheetStatus
	Message string
	At      time.Time
}

// SheetErrorEvent reports a recoverable row-level error.
type SheetErrorEvent struct {
	SheetID uuid.UUID
	Row     int
	Message string
	At      time.Time
}

// GroupProgressEvent reports aggregate progress for a group job.
type GroupProgressEvent struct {
	GroupID    uuid.UUID
	Progress   float32
	ErrorCount int
	At         time.Time
}

// GroupStatusEvent reports a group status change.
type GroupStatusEvent struct {
	GroupID uuid.UUID
	Status  job.GroupStatus
	At      time.Time
}

type handlerList[T any] []func(T) error

// Broker provides an in-memory implementation of job.Notifier. It enables
// decoupled communication between the orchestrator and any number of
// subscribed clients through message passing.
type Broker struct {
	mu sync.RWMutex

	sheetProgressHandlers handlerList[SheetProgressEvent]
	sheetStatusHandlers   handlerList[SheetStatusEvent]
	sheetErrorHandlers    handlerList[SheetErrorEvent]
	groupProgressHandlers handlerList[GroupProgressEvent]
	groupStatusHandlers   handlerList[GroupStatusEvent]
	logHandlers           handlerList[job.LogEntry]
}

// NewBroker creates a new in-memory notification broker with no subscribers.
func NewBroker() *Broker { return &Broker{} }

// subscribe is a generic helper function for handling all subscription types.
// The handler is removed again when ctx is cancelled.
func subscribe[T any](ctx context.Context, mu *sync.RWMutex, handlers *handlerList[T], handler func(T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	mu.Lock()
	handlerIndex := len(*handlers)
	*handlers = append(*handlers, handler)
	mu.Unlock()

	go func() {
		<-ctx.Done()
		mu.Lock()
		defer mu.Unlock()
		// Remove the handler at the stored index if it's still valid.
		if handlerIndex < len(*handlers) {
			*handlers = append((*handlers)[:handlerIndex], (*handlers)[handlerIndex+1:]...)
		}
	}()

	return nil
}

// publish is a generic helper function for handling all publish types.
func publish[T any](ctx context.Context, mu *sync.RWMutex, handlers handlerList[T], msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu.RLock()
	// Create a copy of handlers to avoid holding the lock while executing them.
	handlersCopy := make([]func(T) error, len(handlers))
	copy(handlersCopy, handlers)
	mu.RUnlock()

	for _, handler := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(msg); err != nil {
			return err
		}
	}
	return nil
}

// NotifySheetProgress broadcasts a sheet progress event to all subscribers.
func (b *Broker) NotifySheetProgress(ctx context.Context, sheetID uuid.UUID, row, totalRows int, progress float32, errorCount int) error {
	return publish(ctx, &b.mu, b.sheetProgressHandlers, SheetProgressEvent{
		SheetID:    sheetID,
		Row:        row,
		TotalRows:  totalRows,
		Progress:   progress,
		ErrorCount: errorCount,
		At:         time.Now(),
	})
}

// NotifySheetStatus broadcasts a sheet status change to all subscribers.
func (b *Broker) NotifySheetStatus(ctx context.Context, sheetID uuid.UUID, status job.SheetStatus, message string) error {
	return publish(ctx, &b.mu, b.sheetStatusHandlers, SheetStatusEvent{
		SheetID: sheetID,
		Status:  status,
		Message: message,
		At:      time.Now(),
	})
}

// NotifySheetError broadcasts a recoverable row error to all subscribers.
func (b *Broker) NotifySheetError(ctx context.Context, sheetID uuid.UUID, row int, message string) error {
	return publish(ctx, &b.mu, b.sheetErrorHandlers, SheetErrorEvent{
		SheetID: sheetID,
		Row:     row,
		Message: message,
		At:      time.Now(),
	})
}

// NotifyGroupProgress broadcasts aggregate group progress to all subscribers.
func (b *Broker) NotifyGroupProgress(ctx context.Context, groupID uuid.UUID, progress float32, errorCount int) error {
	return publish(ctx, &b.mu, b.groupProgressHandlers, GroupProgressEvent{
		GroupID:    groupID,
		Progress:   progress,
		ErrorCount: errorCount,
		At:         time.Now(),
	})
}

// NotifyGroupStatus broadcasts a group status change to all subscribers.
func (b *Broker) NotifyGroupStatus(ctx context.Context, groupID uuid.UUID, status job.GroupStatus) error {
	return publish(ctx, &b.mu, b.groupStatusHandlers, GroupStatusEvent{
		GroupID: groupID,
		Status:  status,
		At:      time.Now(),
	})
}

// NotifyLog broadcasts a job log entry to all subscribers.
func (b *Broker) NotifyLog(ctx context.Context, entry job.LogEntry) error {
	return publish(ctx, &b.mu, b.logHandlers, entry)
}

// SubscribeSheetProgress registers a handler for sheet progress events.
func (b *Broker) SubscribeSheetProgress(ctx context.Context, handler func(SheetProgressEvent) error) error {
	return subscribe(ctx, &b.mu, &b.sheetProgressHandlers, handler)
}

// SubscribeSheetStatus registers a handler for sheet status events.
func (b *Broker) SubscribeSheetStatus(ctx context.Context, handler func(SheetStatusEvent) error) error {
	return subscribe(ctx, &b.mu, &b.sheetStatusHandlers, handler)
}

// SubscribeSheetErrors registers a handler for recoverable row errors.
func (b *Broker) SubscribeSheetErrors(ctx context.Context, handler func(SheetErrorEvent) error) error {
	return subscribe(ctx, &b.mu, &b.sheetErrorHandlers, handler)
}

// SubscribeGroupProgress registers a handler for group progress events.
func (b *Broker) SubscribeGroupProgress(ctx context.Context, handler func(GroupProgressEvent) error) error {
	return subscribe(ctx, &b.mu, &b.groupProgressHandlers, handler)
}

// SubscribeGroupStatus registers a handler for group status events.
func (b *Broker) SubscribeGroupStatus(ctx context.Context, handler func(GroupStatusEvent) error) error {
	return subscribe(ctx, &b.mu, &b.groupStatusHandlers, handler)
}

// SubscribeLogs registers a handler for job log entries.
func (b *Broker) SubscribeLogs(ctx context.Context, handler func(job.LogEntry) error) error {
	return subscribe(ctx, &b.mu, &b.logHandlers, handler)
}
