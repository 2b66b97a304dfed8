package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/codebuddy/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id, status string, finished time.Time) *storage.Run {
	return &storage.Run{
		ID:         id,
		Language:   "python",
		Executor:   "container",
		Status:     status,
		Stdout:     "hello\n",
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
	}
}

func TestCreateAndGetProgram(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := &storage.Program{
		ID:       "prog-1",
		Owner:    "alice",
		Name:     "hello",
		Language: "python",
		Code:     "print('hi')",
	}
	if err := s.CreateProgram(ctx, p); err != nil {
		t.Fatalf("CreateProgram: %v", err)
	}

	got, err := s.GetProgram(ctx, "prog-1")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if got.Name != "hello" || got.Code != "print('hi')" || got.Owner != "alice" {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}

	if _, err := s.GetProgram(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetProgram(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCreateProgramRejectsBadLanguage(t *testing.T) {
	s := testStore(t)
	p := &storage.Program{ID: "p", Owner: "a", Name: "n", Language: "cobol", Code: "x"}
	if err := s.CreateProgram(context.Background(), p); err == nil {
		t.Error("expected check constraint failure")
	}
}

func TestListProgramsByOwner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, p := range []storage.Program{
		{ID: "1", Owner: "alice", Name: "a", Language: "lua", Code: "print(1)"},
		{ID: "2", Owner: "bob", Name: "b", Language: "lua", Code: "print(2)"},
		{ID: "3", Owner: "alice", Name: "c", Language: "javascript", Code: "1"},
	} {
		if err := s.CreateProgram(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListPrograms(ctx, "alice")
	if err != nil {
		t.Fatalf("ListPrograms: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d programs, want 2", len(got))
	}
	for _, p := range got {
		if p.Owner != "alice" || p.Code != "" {
			t.Errorf("unexpected listing %+v", p)
		}
	}
}

func TestRecordAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	finished := time.Date(2025, 6, 1, 12, 0, 0, 250_000_000, time.UTC)
	if err := s.RecordRun(ctx, testRun("abc12345-0000", "completed", finished)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := s.GetRun(ctx, "abc12345-0000")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Stdout != "hello\n" || got.Status != "completed" {
		t.Errorf("got %+v", got)
	}
	if !got.FinishedAt.Equal(finished) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, finished)
	}
	if got.Duration() != time.Second {
		t.Errorf("duration = %v", got.Duration())
	}
}

func TestGetRunByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	s.RecordRun(ctx, testRun("abc11111", "completed", now))
	s.RecordRun(ctx, testRun("abc22222", "failed", now))

	got, err := s.GetRun(ctx, "abc2")
	if err != nil {
		t.Fatalf("GetRun(prefix): %v", err)
	}
	if got.ID != "abc22222" {
		t.Errorf("id = %q", got.ID)
	}

	if _, err := s.GetRun(ctx, "abc"); err == nil {
		t.Error("expected ambiguous prefix error")
	}
	if _, err := s.GetRun(ctx, "zzz"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.RecordRun(ctx, testRun("r1", "completed", base))
	s.RecordRun(ctx, testRun("r2", "timed_out", base.Add(time.Minute)))
	lua := testRun("r3", "completed", base.Add(2*time.Minute))
	lua.Language = "lua"
	s.RecordRun(ctx, lua)

	all, err := s.ListRuns(ctx, storage.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" || all[2].ID != "r1" {
		t.Errorf("order = %v", runIDs(all))
	}

	completed, _ := s.ListRuns(ctx, storage.RunListOptions{Status: "completed"})
	if len(completed) != 2 {
		t.Errorf("completed = %v", runIDs(completed))
	}

	luaRuns, _ := s.ListRuns(ctx, storage.RunListOptions{Language: "lua"})
	if len(luaRuns) != 1 || luaRuns[0].ID != "r3" {
		t.Errorf("lua = %v", runIDs(luaRuns))
	}

	page, _ := s.ListRuns(ctx, storage.RunListOptions{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "r2" {
		t.Errorf("page = %v", runIDs(page))
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "codebuddy.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.RecordRun(context.Background(), testRun("keep", "failed", time.Now())); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(context.Background(), "keep"); err != nil {
		t.Errorf("GetRun after reopen: %v", err)
	}
}

func runIDs(runs []storage.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
