package stores

import (
	"context"
	"database/sql"
	"time"
)

// ResolutionStatus represents the outcome of resolving a definition
type ResolutionStatus string

const (
	ResolutionStatusSucceeded ResolutionStatus = "succeeded"
	ResolutionStatusFailed    ResolutionStatus = "failed"
)

// JobRunStatus represents the outcome of running one matrix job
type JobRunStatus string

const (
	JobRunStatusPassed JobRunStatus = "passed"
	JobRunStatusFailed JobRunStatus = "failed"
	// JobRunStatusError means the runner itself failed.
	JobRunStatusError JobRunStatus = "error"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Resolution records one attempt to resolve a definition into a matrix
type Resolution struct {
	ID          string           `json:"id"`
	Source      string           `json:"source"`
	Format      string           `json:"format"`
	Fingerprint string           `json:"fingerprint"`
	Status      ResolutionStatus `json:"status"`
	JobCount    int              `json:"job_count"`
	Error       *string          `json:"error,omitempty"`
	Policy      *string          `json:"policy,omitempty"` // JSON policy result
	Matrix      []byte           `json:"-"`                // CBOR-encoded matrix
	CreatedAt   time.Time        `json:"created_at"`
}

// Job is one emitted matrix entry belonging to a resolution
type Job struct {
	ID               string `json:"id"`
	ResolutionID     string `json:"resolution_id"`
	Position         int    `json:"position"`
	Name             string `json:"name"`
	OperatingSystem  string `json:"os"`
	Distribution     string `json:"distribution,omitempty"`
	ToolchainVersion string `json:"toolchain_version"`
	Entry            string `json:"entry"` // JSON matrix entry
}

// JobRun records the result of handing a job to a pipeline runner
type JobRun struct {
	ID           string        `json:"id"`
	ResolutionID string        `json:"resolution_id"`
	JobName      string        `json:"job_name"`
	Runner       string        `json:"runner"`
	Status       JobRunStatus  `json:"status"`
	ExitCode     int           `json:"exit_code"`
	Logs         string        `json:"logs,omitempty"`
	Error        *string       `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// Event represents an append-only log event
type Event struct {
	ID           int64      `json:"id"`
	ResolutionID *string    `json:"resolution_id,omitempty"`
	Level        EventLevel `json:"level"`
	Message      string     `json:"message"`
	Details      *string    `json:"details,omitempty"` // JSON blob
	Timestamp    time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Resolution operations
	CreateResolution(ctx context.Context, resolution *Resolution, jobs []*Job) error
	GetResolution(ctx context.Context, id string) (*Resolution, error)
	ListResolutions(ctx context.Context, limit, offset int) ([]*Resolution, error)
	FindResolutionByFingerprint(ctx context.Context, fingerprint string) (*Resolution, error)
	DeleteResolution(ctx context.Context, id string) error

	// Job operations
	ListJobs(ctx context.Context, resolutionID string) ([]*Job, error)

	// JobRun operations
	RecordJobRun(ctx context.Context, run *JobRun) error
	ListJobRuns(ctx context.Context, resolutionID *string, limit, offset int) ([]*JobRun, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, resolutionID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
