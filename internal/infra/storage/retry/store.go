// Package retry decorates a state store with bounded exponential backoff.
// Snapshot writes happen on the hot path of row processing against a store
// that may see transient connection errors, so a short retry window keeps the
// persisted mirror close to live state without stalling the worker.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"slidegen/internal/domain/job"
)

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 50 * time.Millisecond
	defaultMaxDelay     = time.Second
)

// StateStore wraps a job.StateStore and retries transient failures.
type StateStore struct {
	inner      job.StateStore
	maxRetries uint64
}

// NewStateStore decorates the given store with retry behavior.
func NewStateStore(inner job.StateStore) *StateStore {
	return &StateStore{inner: inner, maxRetries: defaultMaxRetries}
}

// retry runs op with exponential backoff. Not-found results are returned
// immediately; they are answers, not failures.
func (s *StateStore) retry(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialDelay
	b.MaxInterval = defaultMaxDelay

	wrapped := func() error {
		err := op(ctx)
		if errors.Is(err, job.ErrNoSnapshot) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
}

func (s *StateStore) SaveGroup(ctx context.Context, snapshot job.GroupSnapshot) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.SaveGroup(ctx, snapshot)
	})
}

func (s *StateStore) SaveSheet(ctx context.Context, snapshot job.SheetSnapshot) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.SaveSheet(ctx, snapshot)
	})
}

func (s *StateStore) GetGroup(ctx context.Context, id uuid.UUID) (job.GroupSnapshot, error) {
	var snap job.GroupSnapshot
	err := s.retry(ctx, func(ctx context.Context) error {
		var opErr error
		snap, opErr = s.inner.GetGroup(ctx, id)
		return opErr
	})
	return snap, err
}

func (s *StateStore) GetSheet(ctx context.Context, id uuid.UUID) (job.SheetSnapshot, error) {
	var snap job.SheetSnapshot
	err := s.retry(ctx, func(ctx context.Context) error {
		var opErr error
		snap, opErr = s.inner.GetSheet(ctx, id)
		return opErr
	})
	return snap, err
}

func (s *StateStore) ListGroups(ctx context.Context) ([]job.GroupSnapshot, error) {
	var snaps []job.GroupSnapshot
	err := s.retry(ctx, func(ctx context.Context) error {
		var opErr error
		snaps, opErr = s.inner.ListGroups(ctx)
		return opErr
	})
	return snaps, err
}

func (s *StateStore) ListActiveGroups(ctx context.Context) ([]job.GroupSnapshot, error) {
	var snaps []job.GroupSnapshot
	err := s.retry(ctx, func(ctx context.Context) error {
		var opErr error
		snaps, opErr = s.inner.ListActiveGroups(ctx)
		return opErr
	})
	return snaps, err
}

func (s *StateStore) ListSheetsByGroup(ctx context.Context, groupID uuid.UUID) ([]job.SheetSnapshot, error) {
	var snaps []job.SheetSnapshot
	err := s.retry(ctx, func(ctx context.Context) error {
		var opErr error
		snaps, opErr = s.inner.ListSheetsByGroup(ctx, groupID)
		return opErr
	})
	return snaps, err
}

func (s *StateStore) RemoveGroup(ctx context.Context, id uuid.UUID) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.RemoveGroup(ctx, id)
	})
}

func (s *StateStore) RemoveSheet(ctx context.Context, id uuid.UUID) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.RemoveSheet(ctx, id)
	})
}

func (s *StateStore) AppendLog(ctx context.Context, entry job.LogEntry) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.AppendLog(ctx, entry)
	})
}

func (s *StateStore) Logs(ctx context.Context, jobID uuid.UUID) ([]job.LogEntry, error) {
	var entries []job.LogEntry
	err := s.retry(ctx, func(ctx context.Context) error {
		var opErr error
		entries, opErr = s.inner.Logs(ctx, jobID)
		return opErr
	})
	return entries, err
}
