// Package postgres provides a PostgreSQL-backed implementation of the state
// store used for restart recovery.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"slidegen/internal/domain/job"
	"slidegen/internal/infra/storage"
)

// stateStore implements job.StateStore using PostgreSQL as the backing store.
// Snapshots are written on every mutation and at row boundaries, so the
// statements stay small and cheap.
var _ job.StateStore = (*stateStore)(nil)

type stateStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewStateStore creates a new PostgreSQL-backed state store with tracing
// capabilities.
func NewStateStore(pool *pgxpool.Pool, tracer trace.Tracer) *stateStore {
	return &stateStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const defaultQueryTimeout = 3 * time.Second

// SaveGroup upserts a group snapshot.
func (r *stateStore) SaveGroup(ctx context.Context, snapshot job.GroupSnapshot) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("group_id", snapshot.ID.String()),
		attribute.String("status", string(snapshot.Status)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_group", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		sheetIDs, err := json.Marshal(snapshot.SheetIDs)
		if err != nil {
			return fmt.Errorf("marshal sheet ids error: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO job_groups (id, workbook_path, template_path, output_folder, status, created_at, sheet_ids, error_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				sheet_ids = EXCLUDED.sheet_ids,
				error_count = EXCLUDED.error_count,
				updated_at = now()`,
			snapshot.ID, snapshot.WorkbookPath, snapshot.TemplatePath, snapshot.OutputFolder,
			string(snapshot.Status), snapshot.CreatedAt, sheetIDs, snapshot.ErrorCount,
		)
		if err != nil {
			return fmt.Errorf("save group error: %w", err)
		}
		return nil
	})
}

// SaveSheet upserts a sheet snapshot.
func (r *stateStore) SaveSheet(ctx context.Context, snapshot job.SheetSnapshot) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("sheet_id", snapshot.ID.String()),
		attribute.String("status", string(snapshot.Status)),
		attribute.Int("next_row", snapshot.NextRow),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_sheet", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		rules := snapshot.Rules
		if len(rules) == 0 {
			rules = json.RawMessage("{}")
		}

		_, err := r.db.Exec(ctx, `
			INSERT INTO job_sheets (id, group_id, sheet_name, output_path, status, next_row, total_rows, error_count, error_message, rules)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				next_row = EXCLUDED.next_row,
				error_count = EXCLUDED.error_count,
				error_message = EXCLUDED.error_message,
				updated_at = now()`,
			snapshot.ID, snapshot.GroupID, snapshot.SheetName, snapshot.OutputPath,
			string(snapshot.Status), snapshot.NextRow, snapshot.TotalRows,
			snapshot.ErrorCount, snapshot.ErrorMessage, rules,
		)
		if err != nil {
			return fmt.Errorf("save sheet error: %w", err)
		}
		return nil
	})
}

// GetGroup retrieves a group snapshot by id.
func (r *stateStore) GetGroup(ctx context.Context, id uuid.UUID) (job.GroupSnapshot, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("group_id", id.String()))

	var snap job.GroupSnapshot
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_group", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		row := r.db.QueryRow(ctx, `
			SELECT id, workbook_path, template_path, output_folder, status, created_at, sheet_ids, error_count
			FROM job_groups WHERE id = $1`, id)

		var err error
		snap, err = scanGroup(row)
		return err
	})
	return snap, err
}

// GetSheet retrieves a sheet snapshot by id.
func (r *stateStore) GetSheet(ctx context.Context, id uuid.UUID) (job.SheetSnapshot, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("sheet_id", id.String()))

	var snap job.SheetSnapshot
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_sheet", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		row := r.db.QueryRow(ctx, `
			SELECT id, group_id, sheet_name, output_path, status, next_row, total_rows, error_count, error_message, rules
			FROM job_sheets WHERE id = $1`, id)

		var err error
		snap, err = scanSheet(row)
		return err
	})
	return snap, err
}

// ListGroups returns every persisted group snapshot ordered by creation time.
func (r *stateStore) ListGroups(ctx context.Context) ([]job.GroupSnapshot, error) {
	return r.listGroups(ctx, "postgres.list_groups", `
		SELECT id, workbook_path, template_path, output_folder, status, created_at, sheet_ids, error_count
		FROM job_groups ORDER BY created_at`)
}

// ListActiveGroups returns group snapshots in a non-terminal status, ordered
// by creation time.
func (r *stateStore) ListActiveGroups(ctx context.Context) ([]job.GroupSnapshot, error) {
	return r.listGroups(ctx, "postgres.list_active_groups", `
		SELECT id, workbook_path, template_path, output_folder, status, created_at, sheet_ids, error_count
		FROM job_groups WHERE status IN ('PENDING', 'RUNNING', 'PAUSED') ORDER BY created_at`)
}

func (r *stateStore) listGroups(ctx context.Context, spanName, query string) ([]job.GroupSnapshot, error) {
	var snaps []job.GroupSnapshot
	err := storage.ExecuteAndTrace(ctx, r.tracer, spanName, defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		rows, err := r.db.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("list groups error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			snap, err := scanGroup(rows)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}
		return rows.Err()
	})
	return snaps, err
}

// ListSheetsByGroup returns the sheet snapshots belonging to a group.
func (r *stateStore) ListSheetsByGroup(ctx context.Context, groupID uuid.UUID) ([]job.SheetSnapshot, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("group_id", groupID.String()))

	var snaps []job.SheetSnapshot
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_sheets_by_group", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		rows, err := r.db.Query(ctx, `
			SELECT id, group_id, sheet_name, output_path, status, next_row, total_rows, error_count, error_message, rules
			FROM job_sheets WHERE group_id = $1 ORDER BY created_at`, groupID)
		if err != nil {
			return fmt.Errorf("list sheets error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			snap, err := scanSheet(rows)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}
		return rows.Err()
	})
	return snaps, err
}

// RemoveGroup deletes a group snapshot along with its sheet snapshots and
// logs. Sheet rows cascade through the foreign key; log rows are keyed by
// either id, so both scopes are swept explicitly.
func (r *stateStore) RemoveGroup(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("group_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.remove_group", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, `
			DELETE FROM job_logs
			WHERE job_id = $1 OR job_id IN (SELECT id FROM job_sheets WHERE group_id = $1)`, id)
		if err != nil {
			return fmt.Errorf("remove group logs error: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM job_groups WHERE id = $1`, id); err != nil {
			return fmt.Errorf("remove group error: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// RemoveSheet deletes a single sheet snapshot and its logs.
func (r *stateStore) RemoveSheet(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("sheet_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.remove_sheet", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM job_logs WHERE job_id = $1`, id); err != nil {
			return fmt.Errorf("remove sheet logs error: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM job_sheets WHERE id = $1`, id); err != nil {
			return fmt.Errorf("remove sheet error: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// AppendLog stores a log entry for a job.
func (r *stateStore) AppendLog(ctx context.Context, entry job.LogEntry) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", entry.JobID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.append_log", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		fields, err := json.Marshal(entry.Fields)
		if err != nil {
			return fmt.Errorf("marshal log fields error: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO job_logs (job_id, scope, logged_at, level, message, fields)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.JobID, string(entry.Scope), entry.Time, entry.Level, entry.Message, fields,
		)
		if err != nil {
			return fmt.Errorf("append log error: %w", err)
		}
		return nil
	})
}

// Logs returns the log entries recorded for a job in append order.
func (r *stateStore) Logs(ctx context.Context, jobID uuid.UUID) ([]job.LogEntry, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var entries []job.LogEntry
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.logs", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()

		rows, err := r.db.Query(ctx, `
			SELECT job_id, scope, logged_at, level, message, fields
			FROM job_logs WHERE job_id = $1 ORDER BY id`, jobID)
		if err != nil {
			return fmt.Errorf("query logs error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				entry  job.LogEntry
				scope  string
				fields []byte
			)
			if err := rows.Scan(&entry.JobID, &scope, &entry.Time, &entry.Level, &entry.Message, &fields); err != nil {
				return fmt.Errorf("scan log error: %w", err)
			}
			entry.Scope = job.EventScope(scope)
			if len(fields) > 0 {
				if err := json.Unmarshal(fields, &entry.Fields); err != nil {
					return fmt.Errorf("unmarshal log fields error: %w", err)
				}
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	return entries, err
}

func scanGroup(row pgx.Row) (job.GroupSnapshot, error) {
	var (
		snap     job.GroupSnapshot
		status   string
		sheetIDs []byte
	)
	err := row.Scan(&snap.ID, &snap.WorkbookPath, &snap.TemplatePath, &snap.OutputFolder,
		&status, &snap.CreatedAt, &sheetIDs, &snap.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.GroupSnapshot{}, job.ErrNoSnapshot
	}
	if err != nil {
		return job.GroupSnapshot{}, fmt.Errorf("scan group error: %w", err)
	}

	snap.Status = job.ParseGroupStatus(status)
	if len(sheetIDs) > 0 {
		if err := json.Unmarshal(sheetIDs, &snap.SheetIDs); err != nil {
			return job.GroupSnapshot{}, fmt.Errorf("unmarshal sheet ids error: %w", err)
		}
	}
	return snap, nil
}

func scanSheet(row pgx.Row) (job.SheetSnapshot, error) {
	var (
		snap   job.SheetSnapshot
		status string
		rules  []byte
	)
	err := row.Scan(&snap.ID, &snap.GroupID, &snap.SheetName, &snap.OutputPath,
		&status, &snap.NextRow, &snap.TotalRows, &snap.ErrorCount, &snap.ErrorMessage, &rules)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.SheetSnapshot{}, job.ErrNoSnapshot
	}
	if err != nil {
		return job.SheetSnapshot{}, fmt.Errorf("scan sheet error: %w", err)
	}

	snap.Status = job.ParseSheetStatus(status)
	snap.Rules = rules
	return snap, nil
}
