// Package storage persists execution traces so that runs can be listed and
// inspected after the process exits. Two backends share one GORM repository:
// SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/rlm/internal/trace"
)

// Driver identifiers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when no trace matches the requested ID.
var ErrNotFound = errors.New("trace not found")

// Store is the persistence interface for execution traces.
type Store interface {
	// SaveTrace stores a root trace together with all of its subcalls.
	// Saving the same ID again replaces the stored record.
	SaveTrace(ctx context.Context, t *trace.ExecutionTrace) error
	GetTrace(ctx context.Context, id uuid.UUID) (*TraceRecord, error)
	ListTraces(ctx context.Context, opts ListOptions) ([]TraceSummary, error)
	DeleteTrace(ctx context.Context, id uuid.UUID) error

	Ping(ctx context.Context) error
	Close() error
	Driver() string
}

// TraceSummary is the indexed part of a stored trace.
type TraceSummary struct {
	ID           uuid.UUID          `json:"id" yaml:"id"`
	Task         string             `json:"task" yaml:"task"`
	FinalAnswer  string             `json:"final_answer" yaml:"final_answer"`
	AnswerSource trace.AnswerSource `json:"answer_source" yaml:"answer_source"`
	Usage        trace.Usage        `json:"usage" yaml:"usage"`
	StartedAt    time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time          `json:"finished_at" yaml:"finished_at"`
}

// TraceRecord is a summary plus the full trace tree.
type TraceRecord struct {
	TraceSummary `yaml:",inline"`
	Trace        *trace.ExecutionTrace `json:"trace" yaml:"trace"`
}

// ListOptions filters ListTraces. Results are newest first.
type ListOptions struct {
	Limit  int                // Default: 20.
	Source trace.AnswerSource // Empty = any.
	Since  time.Time          // Zero = no lower bound.
}

func (o ListOptions) limit() int {
	if o.Limit > 0 {
		return o.Limit
	}
	return 20
}
