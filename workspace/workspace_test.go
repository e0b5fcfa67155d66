package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForFile(t *testing.T, g *Guard, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range g.Files() {
			if f == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never recorded, got %v", want, g.Files())
}

func TestGuardRecordsChanges(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	g, err := Watch(root, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer g.Release()

	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, g, "src/main.go")

	if err := os.Mkdir(filepath.Join(root, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "pkg", "util.go"), []byte("package pkg\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, g, "pkg/util.go")
}

func TestReleaseIsIdempotent(t *testing.T) {
	g, err := Watch(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestWatchMissingDir(t *testing.T) {
	if _, err := Watch(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected error for missing directory")
	}
}
