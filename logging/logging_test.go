package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/arbor/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbor.log")
	log, err := New(config.Logging{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	Component(log, "test").Debug("hello")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"component":"test"`) || !strings.Contains(string(data), "hello") {
		t.Errorf("unexpected log output: %s", data)
	}
}

func TestNewRejectsBadValues(t *testing.T) {
	if _, err := New(config.Logging{Level: "loud"}); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := New(config.Logging{Format: "xml"}); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestComponentNilLogger(t *testing.T) {
	if Component(nil, "x") == nil {
		t.Fatal("Component(nil) returned nil")
	}
}
