//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/jkaninda/rlm/internal/storage"
	"github.com/jkaninda/rlm/internal/trace"
)

func testStore(t *testing.T) *storage.GormStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(context.Background(), Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := trace.NewRecorder("integration task", 0)
	if _, err := r.AppendIteration(trace.Iteration{
		Prompt:   trace.Prompt{Content: "p", Tokens: 12},
		Response: trace.ModelResponse{Content: "r", Tokens: 3, Cost: 0.02},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFinal("done", trace.SourceFinal); err != nil {
		t.Fatal(err)
	}
	tr := r.Snapshot()

	if err := s.SaveTrace(ctx, tr); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteTrace(context.Background(), tr.ID) })

	rec, err := s.GetTrace(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if rec.FinalAnswer != "done" || rec.Usage.TotalTokens != 15 {
		t.Errorf("record = %+v", rec.TraceSummary)
	}
	if s.Driver() != storage.DriverPostgres {
		t.Errorf("Driver = %q", s.Driver())
	}

	if err := s.DeleteTrace(ctx, tr.ID); err != nil {
		t.Fatalf("DeleteTrace: %v", err)
	}
	if _, err := s.GetTrace(ctx, tr.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}
}
