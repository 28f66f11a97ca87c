package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/rlm/internal/trace"
)

// TraceModel maps to the "execution_traces" table. The full tree is kept as
// JSON in Body; the remaining columns are for listing and filtering.
type TraceModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Task            string    `gorm:"type:text;not null"`
	FinalAnswer     string    `gorm:"type:text"`
	AnswerSource    string    `gorm:"size:32;index"`
	Iterations      int
	Subcalls        int
	MaxDepthReached int
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CostUSD         float64
	DurationMs      int64
	Body            string    `gorm:"type:text;not null"`
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (TraceModel) TableName() string { return "execution_traces" }

// GormStore implements Store on any GORM dialect.
type GormStore struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// NewGormStore wraps an open connection and migrates the schema.
func NewGormStore(ctx context.Context, db *gorm.DB, driver string, logger *slog.Logger) (*GormStore, error) {
	if err := db.WithContext(ctx).AutoMigrate(&TraceModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}
	return &GormStore{db: db, driver: driver, logger: logger}, nil
}

// GormConfig returns the GORM settings shared by both backends: UTC
// timestamps and a warn-level logger that ignores not-found lookups.
func GormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			slogAdapter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (s *GormStore) Driver() string { return s.driver }

// SaveTrace upserts the trace by ID.
func (s *GormStore) SaveTrace(ctx context.Context, t *trace.ExecutionTrace) error {
	if t == nil {
		return errors.New("saving trace: nil trace")
	}
	model, err := toTraceModel(t)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving trace %s: %w", t.ID, err)
	}
	s.logger.Debug("trace stored",
		slog.String("trace_id", t.ID.String()),
		slog.String("driver", s.driver),
		slog.Int("bytes", len(model.Body)),
	)
	return nil
}

func (s *GormStore) GetTrace(ctx context.Context, id uuid.UUID) (*TraceRecord, error) {
	var model TraceModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading trace %s: %w", id, err)
	}

	var t trace.ExecutionTrace
	if err := json.Unmarshal([]byte(model.Body), &t); err != nil {
		return nil, fmt.Errorf("decoding trace %s: %w", id, err)
	}
	return &TraceRecord{TraceSummary: toSummary(&model), Trace: &t}, nil
}

func (s *GormStore) ListTraces(ctx context.Context, opts ListOptions) ([]TraceSummary, error) {
	q := s.db.WithContext(ctx).
		Omit("body").
		Order("started_at DESC").
		Limit(opts.limit())
	if opts.Source != "" {
		q = q.Where("answer_source = ?", string(opts.Source))
	}
	if !opts.Since.IsZero() {
		q = q.Where("started_at >= ?", opts.Since.UTC())
	}

	var models []TraceModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	out := make([]TraceSummary, len(models))
	for i := range models {
		out[i] = toSummary(&models[i])
	}
	return out, nil
}

func (s *GormStore) DeleteTrace(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&TraceModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting trace %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Ping checks the database connection for health probes.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormDB returns the underlying connection.
func (s *GormStore) GormDB() *gorm.DB { return s.db }

func toTraceModel(t *trace.ExecutionTrace) (TraceModel, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return TraceModel{}, fmt.Errorf("encoding trace %s: %w", t.ID, err)
	}
	u := trace.ComputeUsage(t)
	return TraceModel{
		ID:              t.ID,
		Task:            t.Task,
		FinalAnswer:     t.FinalAnswer,
		AnswerSource:    string(t.AnswerSource),
		Iterations:      u.Iterations,
		Subcalls:        u.Subcalls,
		MaxDepthReached: u.MaxDepthReached,
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		TotalTokens:     u.TotalTokens,
		CostUSD:         u.Cost,
		DurationMs:      u.Duration.Milliseconds(),
		Body:            string(body),
		StartedAt:       t.StartedAt.UTC(),
		FinishedAt:      t.FinishedAt.UTC(),
	}, nil
}

func toSummary(m *TraceModel) TraceSummary {
	return TraceSummary{
		ID:           m.ID,
		Task:         m.Task,
		FinalAnswer:  m.FinalAnswer,
		AnswerSource: trace.AnswerSource(m.AnswerSource),
		Usage: trace.Usage{
			Cost:            m.CostUSD,
			TotalTokens:     m.TotalTokens,
			InputTokens:     m.InputTokens,
			OutputTokens:    m.OutputTokens,
			Duration:        time.Duration(m.DurationMs) * time.Millisecond,
			Iterations:      m.Iterations,
			Subcalls:        m.Subcalls,
			MaxDepthReached: m.MaxDepthReached,
		},
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

var _ Store = (*GormStore)(nil)
