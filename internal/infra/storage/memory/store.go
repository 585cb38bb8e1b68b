// Package memory provides thread-safe in-memory implementations of the
// persistence ports. Intended for development and testing; state does not
// survive a process restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"slidegen/internal/domain/job"
)

// StateStore provides an in-memory implementation of job.StateStore.
type StateStore struct {
	mu     sync.RWMutex
	groups map[uuid.UUID]job.GroupSnapshot
	sheets map[uuid.UUID]job.SheetSnapshot
	logs   map[uuid.UUID][]job.LogEntry
}

// NewStateStore creates an empty in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{
		groups: make(map[uuid.UUID]job.GroupSnapshot),
		sheets: make(map[uuid.UUID]job.SheetSnapshot),
		logs:   make(map[uuid.UUID][]job.LogEntry),
	}
}

// SaveGroup stores a group snapshot, replacing any previous version.
func (s *StateStore) SaveGroup(ctx context.Context, snapshot job.GroupSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot.SheetIDs = append([]uuid.UUID(nil), snapshot.SheetIDs...)
	s.groups[snapshot.ID] = snapshot
	return nil
}

// SaveSheet stores a sheet snapshot, replacing any previous version.
func (s *StateStore) SaveSheet(ctx context.Context, snapshot job.SheetSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot.Rules = append([]byte(nil), snapshot.Rules...)
	s.sheets[snapshot.ID] = snapshot
	return nil
}

// GetGroup retrieves a group snapshot by id.
func (s *StateStore) GetGroup(ctx context.Context, id uuid.UUID) (job.GroupSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.groups[id]
	if !ok {
		return job.GroupSnapshot{}, job.ErrNoSnapshot
	}
	return snap, nil
}

// GetSheet retrieves a sheet snapshot by id.
func (s *StateStore) GetSheet(ctx context.Context, id uuid.UUID) (job.SheetSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.sheets[id]
	if !ok {
		return job.SheetSnapshot{}, job.ErrNoSnapshot
	}
	return snap, nil
}

// ListGroups returns every persisted group snapshot ordered by creation time.
func (s *StateStore) ListGroups(ctx context.Context) ([]job.GroupSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]job.GroupSnapshot, 0, len(s.groups))
	for _, snap := range s.groups {
		out = append(out, snap)
	}
	sortGroups(out)
	return out, nil
}

// ListActiveGroups returns persisted group snapshots whose status is
// non-terminal, ordered by creation time.
func (s *StateStore) ListActiveGroups(ctx context.Context) ([]job.GroupSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.GroupSnapshot
	for _, snap := range s.groups {
		if snap.Status.IsActive() {
			out = append(out, snap)
		}
	}
	sortGroups(out)
	return out, nil
}

// ListSheetsByGroup returns the sheet snapshots belonging to a group, in the
// order recorded by the group snapshot.
func (s *StateStore) ListSheetsByGroup(ctx context.Context, groupID uuid.UUID) ([]job.SheetSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[groupID]
	if ok {
		out := make([]job.SheetSnapshot, 0, len(group.SheetIDs))
		for _, id := range group.SheetIDs {
			if snap, exists := s.sheets[id]; exists {
				out = append(out, snap)
			}
		}
		return out, nil
	}

	// No group snapshot; fall back to scanning sheets by owner.
	var out []job.SheetSnapshot
	for _, snap := range s.sheets {
		if snap.GroupID == groupID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SheetName < out[j].SheetName })
	return out, nil
}

// RemoveGroup deletes a group snapshot together with its sheet snapshots and
// logs. Removing an unknown id is not an error.
func (s *StateStore) RemoveGroup(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sheetID, snap := range s.sheets {
		if snap.GroupID == id {
			delete(s.sheets, sheetID)
			delete(s.logs, sheetID)
		}
	}
	delete(s.groups, id)
	delete(s.logs, id)
	return nil
}

// RemoveSheet deletes a single sheet snapshot and its logs. Removing an
// unknown id is not an error.
func (s *StateStore) RemoveSheet(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sheets, id)
	delete(s.logs, id)
	return nil
}

// AppendLog stores a log entry under the entry's job id.
func (s *StateStore) AppendLog(ctx context.Context, entry job.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[entry.JobID] = append(s.logs[entry.JobID], entry)
	return nil
}

// Logs returns the log entries recorded for a job id in append order.
func (s *StateStore) Logs(ctx context.Context, jobID uuid.UUID) ([]job.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]job.LogEntry(nil), s.logs[jobID]...), nil
}

func sortGroups(groups []job.GroupSnapshot) {
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].CreatedAt.Before(groups[j].CreatedAt)
	})
}
