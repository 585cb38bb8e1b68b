// Package metrics implements the orchestration metrics recorder on top of
// the OpenTelemetry metric API.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"slidegen/internal/domain/job"
)

var _ job.MetricsRecorder = (*Recorder)(nil)

// Recorder records orchestration counters through an OpenTelemetry meter.
type Recorder struct {
	groupsCreated    metric.Int64Counter
	groupsArchived   metric.Int64Counter
	sheetsDispatched metric.Int64Counter
	rowsProcessed    metric.Int64Counter
	rowErrors        metric.Int64Counter
}

// NewRecorder creates the counters on the given meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := new(Recorder)

	var err error
	if r.groupsCreated, err = meter.Int64Counter("slidegen_groups_created_total",
		metric.WithDescription("Number of group jobs submitted")); err != nil {
		return nil, fmt.Errorf("creating groups_created counter: %w", err)
	}
	if r.groupsArchived, err = meter.Int64Counter("slidegen_groups_archived_total",
		metric.WithDescription("Number of group jobs archived, by final status")); err != nil {
		return nil, fmt.Errorf("creating groups_archived counter: %w", err)
	}
	if r.sheetsDispatched, err = meter.Int64Counter("slidegen_sheets_dispatched_total",
		metric.WithDescription("Number of sheet executions handed to the execution facility")); err != nil {
		return nil, fmt.Errorf("creating sheets_dispatched counter: %w", err)
	}
	if r.rowsProcessed, err = meter.Int64Counter("slidegen_rows_processed_total",
		metric.WithDescription("Number of worksheet rows rendered")); err != nil {
		return nil, fmt.Errorf("creating rows_processed counter: %w", err)
	}
	if r.rowErrors, err = meter.Int64Counter("slidegen_row_errors_total",
		metric.WithDescription("Number of recoverable row-level errors")); err != nil {
		return nil, fmt.Errorf("creating row_errors counter: %w", err)
	}

	return r, nil
}

func (r *Recorder) IncGroupsCreated(ctx context.Context) { r.groupsCreated.Add(ctx, 1) }

func (r *Recorder) IncGroupsArchived(ctx context.Context, status job.GroupStatus) {
	r.groupsArchived.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (r *Recorder) IncSheetsDispatched(ctx context.Context) { r.sheetsDispatched.Add(ctx, 1) }

func (r *Recorder) IncRowsProcessed(ctx context.Context, n int) {
	r.rowsProcessed.Add(ctx, int64(n))
}

func (r *Recorder) IncRowErrors(ctx context.Context, n int) {
	r.rowErrors.Add(ctx, int64(n))
}
