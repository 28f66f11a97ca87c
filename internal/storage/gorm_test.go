package storage_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/rlm/internal/storage"
	"github.com/jkaninda/rlm/internal/storage/sqlite"
	"github.com/jkaninda/rlm/internal/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openStore(t *testing.T) *storage.GormStore {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "rlm.db")}, discardLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func resolvedTrace(t *testing.T, task, answer string, source trace.AnswerSource) *trace.ExecutionTrace {
	t.Helper()
	child := trace.NewRecorder("sub "+task, 1)
	if _, err := child.AppendIteration(trace.Iteration{
		Prompt:   trace.Prompt{Content: "p", Tokens: 10},
		Response: trace.ModelResponse{Content: "r", Tokens: 5, Cost: 0.01},
		Duration: time.Second,
	}); err != nil {
		t.Fatal(err)
	}
	if err := child.SetFinal("sub answer", trace.SourceFinal); err != nil {
		t.Fatal(err)
	}

	r := trace.NewRecorder(task, 0)
	if err := r.AttachSubcall(child.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AppendIteration(trace.Iteration{
		Prompt:   trace.Prompt{Content: "p", Tokens: 100},
		Response: trace.ModelResponse{Content: "r", Tokens: 20, Cost: 0.10},
		Duration: 2 * time.Second,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFinal(answer, source); err != nil {
		t.Fatal(err)
	}
	return r.Snapshot()
}

func TestGormStore_SaveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := resolvedTrace(t, "count words", "42", trace.SourceFinal)

	if err := s.SaveTrace(ctx, tr); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	rec, err := s.GetTrace(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if rec.ID != tr.ID || rec.Task != "count words" || rec.FinalAnswer != "42" {
		t.Errorf("summary = %+v", rec.TraceSummary)
	}
	if rec.AnswerSource != trace.SourceFinal {
		t.Errorf("answer source = %q", rec.AnswerSource)
	}
	if rec.Usage.TotalTokens != 135 || rec.Usage.MaxDepthReached != 1 {
		t.Errorf("usage = %+v", rec.Usage)
	}
	if rec.Usage.Duration != 3*time.Second {
		t.Errorf("duration = %s, want 3s", rec.Usage.Duration)
	}
	if rec.Trace == nil || len(rec.Trace.Subcalls) != 1 || rec.Trace.Subcalls[0].FinalAnswer != "sub answer" {
		t.Fatalf("trace tree not restored: %+v", rec.Trace)
	}
	if rec.Trace.Iterations[0].SubcallIDs[0] != rec.Trace.Subcalls[0].ID {
		t.Error("subcall ID linkage lost")
	}
}

func TestGormStore_SaveReplaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := resolvedTrace(t, "task", "first", trace.SourceFinal)
	if err := s.SaveTrace(ctx, tr); err != nil {
		t.Fatal(err)
	}
	tr.FinalAnswer = "second"
	if err := s.SaveTrace(ctx, tr); err != nil {
		t.Fatalf("second save: %v", err)
	}

	list, err := s.ListTraces(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].FinalAnswer != "second" {
		t.Errorf("list = %+v", list)
	}
}

func TestGormStore_ListFiltersAndOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	older := resolvedTrace(t, "older", "a", trace.SourceFinal)
	older.StartedAt = time.Now().Add(-2 * time.Hour)
	newer := resolvedTrace(t, "newer", "b", trace.SourceMaxIterations)
	failed := resolvedTrace(t, "failed", "", trace.SourceError)
	failed.StartedAt = time.Now().Add(-time.Hour)
	for _, tr := range []*trace.ExecutionTrace{older, newer, failed} {
		if err := s.SaveTrace(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListTraces(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Task != "newer" || all[2].Task != "older" {
		t.Fatalf("order = %+v", all)
	}

	bySource, err := s.ListTraces(ctx, storage.ListOptions{Source: trace.SourceError})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySource) != 1 || bySource[0].Task != "failed" {
		t.Errorf("source filter = %+v", bySource)
	}

	recent, err := s.ListTraces(ctx, storage.ListOptions{Since: time.Now().Add(-90 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Errorf("since filter returned %d, want 2", len(recent))
	}

	limited, err := s.ListTraces(ctx, storage.ListOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit returned %d", len(limited))
	}
}

func TestGormStore_NotFound(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.GetTrace(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTrace missing = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTrace(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeleteTrace missing = %v, want ErrNotFound", err)
	}
}

func TestGormStore_Delete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := resolvedTrace(t, "task", "x", trace.SourceFinal)
	if err := s.SaveTrace(ctx, tr); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTrace(ctx, tr.ID); err != nil {
		t.Fatalf("DeleteTrace: %v", err)
	}
	if _, err := s.GetTrace(ctx, tr.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("trace still present: %v", err)
	}
}

func TestGormStore_PingAndDriver(t *testing.T) {
	s := openStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestSQLiteOpen_RequiresPath(t *testing.T) {
	if _, err := sqlite.Open(context.Background(), sqlite.Config{}, discardLogger()); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestSaveTrace_Nil(t *testing.T) {
	s := openStore(t)
	if err := s.SaveTrace(context.Background(), nil); err == nil {
		t.Error("expected error for nil trace")
	}
}
