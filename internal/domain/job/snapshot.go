package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GroupSnapshot is the persisted shape of a group job. The state store is a
// best-effort mirror of in-memory state used only for restart recovery.
type GroupSnapshot struct {
	ID           uuid.UUID   `json:"id"`
	WorkbookPath string      `json:"workbook_path"`
	TemplatePath string      `json:"template_path"`
	OutputFolder string      `json:"output_folder"`
	Status       GroupStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	SheetIDs     []uuid.UUID `json:"sheet_ids"`
	ErrorCount   int         `json:"error_count"`
}

// SheetSnapshot is the persisted shape of a sheet job, including the
// serialized replacement rules needed to reproduce the job after a restart.
type SheetSnapshot struct {
	ID           uuid.UUID       `json:"id"`
	GroupID      uuid.UUID       `json:"group_id"`
	SheetName    string          `json:"sheet_name"`
	OutputPath   string          `json:"output_path"`
	Status       SheetStatus     `json:"status"`
	NextRow      int             `json:"next_row"`
	TotalRows    int             `json:"total_rows"`
	ErrorCount   int             `json:"error_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Rules        json.RawMessage `json:"rules,omitempty"`
}

// LogEntry is a persisted log line scoped to a group or sheet job.
type LogEntry struct {
	JobID   uuid.UUID      `json:"job_id"`
	Scope   EventScope     `json:"scope"`
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventScope identifies whether a log entry or notification targets a group
// or a single sheet.
type EventScope string

const (
	// ScopeGroup targets the subscription topic of a group job.
	ScopeGroup EventScope = "GROUP"

	// ScopeSheet targets the subscription topic of a sheet job.
	ScopeSheet EventScope = "SHEET"
)
