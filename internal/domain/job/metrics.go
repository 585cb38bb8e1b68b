package job

import "context"

// MetricsRecorder captures orchestration counters. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	IncGroupsCreated(ctx context.Context)
	IncGroupsArchived(ctx context.Context, status GroupStatus)
	IncSheetsDispatched(ctx context.Context)
	IncRowsProcessed(ctx context.Context, n int)
	IncRowErrors(ctx context.Context, n int)
}
