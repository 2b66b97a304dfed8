package scratch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testDir(t *testing.T) (*Root, *Dir) {
	t.Helper()
	root, err := NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	d, err := root.Create("sess-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return root, d
}

func TestResolve(t *testing.T) {
	_, d := testDir(t)

	tests := []struct {
		in      string
		want    string
		allowed bool
	}{
		{"notes.txt", "notes.txt", true},
		{"/scratch/notes.txt", "notes.txt", true},
		{"sub/dir/a.txt", "sub/dir/a.txt", true},
		{"/scratch", "", true},
		{"../escape.txt", "", false},
		{"/scratch/../../etc/passwd", "", false},
		{"/etc/passwd", "", false},
		{"/tmp/x", "", false},
		{"/scratchy/x", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := d.Resolve(tt.in)
		if !tt.allowed {
			if !errors.Is(err, ErrPathDenied) {
				t.Errorf("Resolve(%q) = %q, %v; want ErrPathDenied", tt.in, got, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%q) unexpected error: %v", tt.in, err)
			continue
		}
		want := filepath.Join(d.Path(), filepath.FromSlash(tt.want))
		if got != want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, want)
		}
	}
}

func TestReadWriteRemove(t *testing.T) {
	_, d := testDir(t)

	if d.Exists("greeting.txt") {
		t.Fatal("file should not exist yet")
	}
	if err := d.WriteFile("greeting.txt", "hello"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !d.Exists("/scratch/greeting.txt") {
		t.Fatal("file should exist after write")
	}
	got, err := d.ReadFile("greeting.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "hello" {
		t.Errorf("ReadFile = %q", got)
	}
	if err := d.RemoveFile("greeting.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if _, err := d.ReadFile("greeting.txt"); err == nil {
		t.Error("expected error reading removed file")
	}
}

func TestWriteOutsideDenied(t *testing.T) {
	_, d := testDir(t)
	outside := filepath.Join(filepath.Dir(d.Path()), "victim.txt")

	if err := d.WriteFile("../victim.txt", "pwned"); !errors.Is(err, ErrPathDenied) {
		t.Fatalf("WriteFile escape err = %v", err)
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Error("file outside scratch dir was created")
	}
}

func TestCreateRejectsBadIDs(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := root.Create(id); err == nil {
			t.Errorf("Create(%q) should fail", id)
		}
	}
}

func TestRemoveAndSweep(t *testing.T) {
	root, d := testDir(t)
	if _, err := d.Mkdir("io"); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteFile("io/x.txt", "x"); err != nil {
		t.Fatal(err)
	}
	if err := d.Remove(); err != nil {
		t.Fatal(err)
	}
	names, err := root.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("entries after Remove = %v", names)
	}

	for _, id := range []string{"stale-a", "stale-b", "live"} {
		if _, err := root.Create(id); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []string{"stale-a", "stale-b"} {
		if err := os.Chtimes(filepath.Join(root.Path(), id), old, old); err != nil {
			t.Fatal(err)
		}
	}
	n, err := root.Sweep(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	names, err = root.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "live" {
		t.Errorf("entries after Sweep = %v, want [live]", names)
	}
}

func TestSweepSparesAnotherRootsLiveSession(t *testing.T) {
	dir := t.TempDir()
	first, err := NewRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	d, err := first.Create("serving")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WriteFile("main.py", "print(1)"); err != nil {
		t.Fatal(err)
	}

	second, err := NewRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := second.Sweep(time.Minute); err != nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v; want 0, nil", n, err)
	}
	if !d.Exists("main.py") {
		t.Error("live session file removed by a second process's sweep")
	}
}
