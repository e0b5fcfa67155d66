package session

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
)

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt(ResumptionContext{
		OriginalPrompt: "Add a --verbose flag",
		WorkSummary:    "Flag parsing is done.",
		CurrentState:   "Tests are failing.",
		FilesModified:  []string{"cmd/main.go"},
		ErrorHistory:   []string{"go test: undefined: verbose"},
	})
	for _, want := range []string{
		"## Resuming Previous Work Session",
		"**Original Task:**\nAdd a --verbose flag",
		"**Work Summary:**\nFlag parsing is done.",
		"**Files Modified:**\n- cmd/main.go",
		"**Previous Errors (avoid repeating):**\n- go test: undefined: verbose",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt lacks %q", want)
		}
	}
	for _, absent := range []string{"Key Decisions", "Pending Actions", "Suggested Next Steps"} {
		if strings.Contains(got, absent) {
			t.Errorf("empty section %q rendered", absent)
		}
	}
	if strings.Contains(got, "\n\n\n") {
		t.Error("prompt contains blank runs")
	}
}

func TestResumedName(t *testing.T) {
	tests := []struct{ prompt, want string }{
		{"short", "Resumed: short..."},
		{"Refactor the payment module to use the new client", "Resumed: Refactor the payment modu..."},
	}
	for _, tt := range tests {
		if got := ResumedName(ResumedSession{OriginalPrompt: tt.prompt}); got != tt.want {
			t.Errorf("ResumedName(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestCapture(t *testing.T) {
	a, err := agent.New(agent.Options{Name: "Quick Coder", Instructions: "rename pkg", ConversationID: "conv-1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	a.UpdateStatus(agent.StatusRunning, "")
	a.AppendMessage(agent.RoleAssistant, "Renamed the package in two files.")
	w, _ := a.AppendStep(agent.Step{Kind: agent.StepToolCall, ToolCall: &agent.ToolCall{
		Server: "filesystem", Name: "write_file", Args: map[string]any{"path": "pkg/a.go"}, Status: agent.ToolApproved,
	}})
	a.UpdateStep(w.ID, agent.StepUpdate{Status: agent.ToolCompleted})
	a.AppendStep(agent.Step{Kind: agent.StepError, Content: "model timeout"})
	a.AppendStep(agent.Step{Kind: agent.StepToolCall, ToolCall: &agent.ToolCall{
		Server: "filesystem", Name: "move_file", Status: agent.ToolPending,
	}})

	sess, ctx := Capture(a.Snapshot(), []string{"pkg/b.go"})
	if sess.Status != StatusPaused || sess.ConversationID != "conv-1" || sess.ID == "" {
		t.Errorf("session = %+v", sess)
	}
	if ctx.OriginalPrompt != "rename pkg" || ctx.WorkSummary != "Renamed the package in two files." {
		t.Errorf("context = %+v", ctx)
	}
	if strings.Join(ctx.FilesModified, ",") != "pkg/a.go,pkg/b.go" {
		t.Errorf("files = %v", ctx.FilesModified)
	}
	if len(ctx.ErrorHistory) != 1 || len(ctx.PendingActions) != 1 {
		t.Errorf("errors %v pending %v", ctx.ErrorHistory, ctx.PendingActions)
	}
	if ctx.TokenCount == 0 || sess.TokenEstimate != ctx.TokenCount {
		t.Errorf("token estimate %d / %d", ctx.TokenCount, sess.TokenEstimate)
	}
}

func TestStore(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "sessions"))
	if list, err := s.List(); err != nil || len(list) != 0 {
		t.Fatalf("List on missing dir = %v, %v", list, err)
	}
	first := &Record{Session: ResumedSession{ID: "one", OriginalPrompt: "a"}}
	second := &Record{Session: ResumedSession{ID: "two", OriginalPrompt: "b"}, Context: ResumptionContext{FilesModified: []string{"x"}}}
	if err := s.Save(first); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.Save(second); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil || len(list) != 2 || list[0].ID != "two" {
		t.Fatalf("List = %+v, %v", list, err)
	}
	rec, err := s.Load("two")
	if err != nil || rec.Context.FilesModified[0] != "x" {
		t.Fatalf("Load = %+v, %v", rec, err)
	}
	if err := s.Delete("two"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("two"); !errors.IsKind(err, errors.Validation) {
		t.Errorf("Load after delete: %v", err)
	}
	if _, err := s.Load("../etc/passwd"); !errors.IsKind(err, errors.Validation) {
		t.Errorf("path traversal accepted: %v", err)
	}
}
