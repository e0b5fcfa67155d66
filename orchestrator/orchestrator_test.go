package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/llm"
	"github.com/m4xw311/arbor/policy"
	"github.com/m4xw311/arbor/session"
	"github.com/m4xw311/arbor/supervisor"
	"github.com/m4xw311/arbor/tools"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

func (d *fakeDispatcher) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, server+"/"+tool)
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, server, tool, args)
	}
	return "contents of " + tool, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recorder struct {
	mu       sync.Mutex
	statuses []agent.Status
	toolStep []agent.ToolStatus
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatus: func(_ string, s agent.Status, _ string) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnStep: func(_ string, s agent.Step, _ bool) {
			if s.ToolCall == nil {
				return
			}
			r.mu.Lock()
			r.toolStep = append(r.toolStep, s.ToolCall.Status)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) seen() ([]agent.Status, []agent.ToolStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Status(nil), r.statuses...), append([]agent.ToolStatus(nil), r.toolStep...)
}

func newTestOrchestrator(t *testing.T, model llm.Model, d Dispatcher, pol config.Policy) *Orchestrator {
	t.Helper()
	fs := tools.Filesystem(t.TempDir())
	fs.Enabled = true
	p, err := policy.New(pol)
	if err != nil {
		t.Fatal(err)
	}
	o := New(Deps{
		Model:      model,
		Registry:   tools.NewRegistry(fs, tools.Memory()),
		Policy:     p,
		Dispatcher: d,
		Sessions:   session.NewStore(t.TempDir()),
	}, Options{MaxTurns: 10})
	t.Cleanup(o.Close)
	return o
}

func callTool(name string, args map[string]any) llm.ScriptedReply {
	return llm.ScriptedReply{Reply: &llm.Reply{
		Content:   "calling " + name,
		ToolCalls: []llm.ToolInvocation{{ID: "call-" + name, Tool: name, Args: args}},
	}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want agent.Status) agent.Snapshot {
	t.Helper()
	var snap agent.Snapshot
	waitFor(t, "status "+string(want), func() bool {
		s, err := o.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		snap = s
		return s.Status == want
	})
	return snap
}

func startAgent(t *testing.T, o *Orchestrator, perm policy.Permission) *agent.Agent {
	t.Helper()
	a, err := o.Create(agent.Options{Instructions: "update the readme", Permission: perm})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := o.Start(a.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func TestDeniedModerateCallIsNeverDispatched(t *testing.T) {
	d := &fakeDispatcher{}
	model := llm.NewScripted(callTool("write_file", map[string]any{"path": "README.md"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	rec := &recorder{}
	defer o.Subscribe(rec.callbacks())()

	a := startAgent(t, o, policy.Standard)
	snap := waitStatus(t, o, a.ID(), agent.StatusWaiting)
	if snap.PendingToolCall == nil || snap.PendingToolCall.ToolCall.Status != agent.ToolPending {
		t.Fatalf("expected a pending tool call, got %+v", snap.PendingToolCall)
	}
	if snap.PendingToolCall.ToolCall.Risk != tools.Moderate {
		t.Errorf("risk = %s", snap.PendingToolCall.ToolCall.Risk)
	}
	stepID := snap.PendingToolCall.ID

	if err := o.Deny(a.ID(), stepID, "not now"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	snap = waitStatus(t, o, a.ID(), agent.StatusCompleted)

	step, _ := a.Step(stepID)
	if step.ToolCall.Status != agent.ToolDenied {
		t.Errorf("step status = %s, want denied", step.ToolCall.Status)
	}
	if d.count() != 0 {
		t.Errorf("denied call was dispatched %d times", d.count())
	}
	statuses, _ := rec.seen()
	want := []agent.Status{agent.StatusRunning, agent.StatusWaiting, agent.StatusRunning, agent.StatusCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}

	reqs := model.Requests()
	last := reqs[len(reqs)-1].Messages
	if !strings.Contains(last[len(last)-1].Content, "Permission denied: not now") {
		t.Errorf("model was not told about the denial: %q", last[len(last)-1].Content)
	}
}

func TestSafeCallRunsWithoutApproval(t *testing.T) {
	d := &fakeDispatcher{}
	model := llm.NewScripted(callTool("read_file", map[string]any{"path": "README.md"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	rec := &recorder{}
	defer o.Subscribe(rec.callbacks())()

	a := startAgent(t, o, policy.Standard)
	snap := waitStatus(t, o, a.ID(), agent.StatusCompleted)

	statuses, toolSteps := rec.seen()
	for _, s := range statuses {
		if s == agent.StatusWaiting {
			t.Fatalf("agent waited for a safe call: %v", statuses)
		}
	}
	if len(toolSteps) != 2 || toolSteps[0] != agent.ToolApproved || toolSteps[1] != agent.ToolCompleted {
		t.Errorf("tool step statuses = %v", toolSteps)
	}
	if d.count() != 1 {
		t.Errorf("dispatched %d times", d.count())
	}
	if len(o.PendingApprovals()) != 0 {
		t.Error("safe call left a pending approval")
	}
	var result string
	for _, s := range snap.Steps {
		if s.Kind == agent.StepToolResult {
			result = s.Content
		}
	}
	if result != "contents of read_file" {
		t.Errorf("tool_result = %q", result)
	}
}

func TestApprovalIsIdempotent(t *testing.T) {
	d := &fakeDispatcher{}
	model := llm.NewScripted(callTool("write_file", map[string]any{"path": "a.go"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	snap := waitStatus(t, o, a.ID(), agent.StatusWaiting)
	stepID := snap.PendingToolCall.ID

	approvals := o.PendingApprovals()
	if len(approvals) != 1 || approvals[0].AgentID != a.ID() || approvals[0].Step.ID != stepID {
		t.Fatalf("PendingApprovals() = %+v", approvals)
	}

	if err := o.Approve(a.ID(), stepID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := o.Approve(a.ID(), stepID); !errors.IsKind(err, errors.NotPending) {
		t.Errorf("second Approve: expected NotPending, got %v", err)
	}
	if err := o.Deny(a.ID(), stepID, "changed my mind"); !errors.IsKind(err, errors.NotPending) {
		t.Errorf("Deny after Approve: expected NotPending, got %v", err)
	}
	waitStatus(t, o, a.ID(), agent.StatusCompleted)
	if d.count() != 1 {
		t.Errorf("dispatched %d times, want 1", d.count())
	}
	step, _ := a.Step(stepID)
	if step.ToolCall.Status != agent.ToolCompleted {
		t.Errorf("step status = %s", step.ToolCall.Status)
	}

	if err := o.Approve(a.ID(), "step-missing"); !errors.IsKind(err, errors.Validation) {
		t.Errorf("unknown step: expected Validation, got %v", err)
	}
	if err := o.Approve("agent-missing", stepID); !errors.IsKind(err, errors.Validation) {
		t.Errorf("unknown agent: expected Validation, got %v", err)
	}
}

func TestDangerousCallPausesUnderAutonomous(t *testing.T) {
	d := &fakeDispatcher{}
	model := llm.NewScripted(callTool("move_file", map[string]any{"source": "a", "destination": "b"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	a := startAgent(t, o, policy.Autonomous)
	snap := waitStatus(t, o, a.ID(), agent.StatusWaiting)
	if snap.PendingToolCall.ToolCall.Risk != tools.Dangerous {
		t.Errorf("risk = %s", snap.PendingToolCall.ToolCall.Risk)
	}
	if err := o.Approve(a.ID(), snap.PendingToolCall.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, o, a.ID(), agent.StatusCompleted)
}

func TestUnknownToolNeedsApproval(t *testing.T) {
	d := &fakeDispatcher{}
	model := llm.NewScripted(callTool("format_disk", nil))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	snap := waitStatus(t, o, a.ID(), agent.StatusWaiting)
	if snap.PendingToolCall.ToolCall.Risk != tools.Moderate {
		t.Errorf("unknown tool risk = %s", snap.PendingToolCall.ToolCall.Risk)
	}
	if err := o.Approve(a.ID(), snap.PendingToolCall.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, o, a.ID(), agent.StatusCompleted)
	step, _ := a.Step(snap.PendingToolCall.ID)
	if step.ToolCall.Status != agent.ToolFailed || d.count() != 0 {
		t.Errorf("unowned tool: status %s, %d dispatches", step.ToolCall.Status, d.count())
	}
}

func TestBlockedToolIsDenied(t *testing.T) {
	d := &fakeDispatcher{}
	model := llm.NewScripted(callTool("read_file", map[string]any{"path": "a"}))
	o := newTestOrchestrator(t, model, d, config.Policy{BlockedTools: []string{"filesystem/read_*"}})
	a := startAgent(t, o, policy.Autonomous)
	snap := waitStatus(t, o, a.ID(), agent.StatusCompleted)
	if d.count() != 0 {
		t.Fatal("blocked tool was dispatched")
	}
	for _, s := range snap.Steps {
		if s.ToolCall != nil && (s.ToolCall.Status != agent.ToolDenied || !strings.Contains(s.ToolCall.Result, "blocked by configuration")) {
			t.Errorf("blocked step = %+v", s.ToolCall)
		}
	}
}

func TestDispatchWithoutApprovalIsPolicyViolation(t *testing.T) {
	d := &fakeDispatcher{}
	o := newTestOrchestrator(t, llm.Echo{}, d, config.Policy{})
	pc := &PendingCall{Server: tools.FilesystemServer, Tool: "write_file", Decision: policy.Ask}
	if _, err := o.dispatch(context.Background(), pc); !errors.IsKind(err, errors.PolicyViolation) {
		t.Fatalf("expected PolicyViolation, got %v", err)
	}
	pc.Decision = policy.Block
	if _, err := o.dispatch(context.Background(), pc); !errors.IsKind(err, errors.PolicyViolation) {
		t.Fatalf("expected PolicyViolation for blocked call, got %v", err)
	}
	if d.count() != 0 {
		t.Error("unapproved call reached the dispatcher")
	}
}

func TestUnavailableServerFailsAgent(t *testing.T) {
	d := &fakeDispatcher{fn: func(context.Context, string, string, map[string]any) (string, error) {
		return "", errors.E(errors.ToolServerUnavailable, "tool server %q is unavailable", "filesystem")
	}}
	model := llm.NewScripted(callTool("read_file", map[string]any{"path": "a"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	snap := waitStatus(t, o, a.ID(), agent.StatusFailed)
	if !strings.Contains(snap.Error, "unavailable") {
		t.Errorf("error = %q", snap.Error)
	}
	if last := snap.Steps[len(snap.Steps)-1]; last.Kind != agent.StepError {
		t.Errorf("last step = %+v, want error", last)
	}
}

func TestToolErrorGoesBackToModel(t *testing.T) {
	d := &fakeDispatcher{fn: func(context.Context, string, string, map[string]any) (string, error) {
		return "", errors.E(errors.ToolExecution, "no such file")
	}}
	model := llm.NewScripted(callTool("read_file", map[string]any{"path": "a"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	waitStatus(t, o, a.ID(), agent.StatusCompleted)
	reqs := model.Requests()
	msgs := reqs[len(reqs)-1].Messages
	if !strings.Contains(msgs[len(msgs)-1].Content, "Error:") {
		t.Errorf("model did not see the tool error: %q", msgs[len(msgs)-1].Content)
	}
}

func TestModelErrorFailsAgent(t *testing.T) {
	model := llm.NewScripted(llm.ScriptedReply{Err: errors.New("rate limited")})
	o := newTestOrchestrator(t, model, &fakeDispatcher{}, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	snap := waitStatus(t, o, a.ID(), agent.StatusFailed)
	if !strings.Contains(snap.Error, "rate limited") || snap.CompletedAt.IsZero() {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTurnLimit(t *testing.T) {
	model := llm.ModelFunc(func(context.Context, llm.Request) (*llm.Reply, error) {
		return callTool("read_file", map[string]any{"path": "a"}).Reply, nil
	})
	o := newTestOrchestrator(t, model, &fakeDispatcher{}, config.Policy{})
	o.opts.MaxTurns = 3
	a := startAgent(t, o, policy.Standard)
	snap := waitStatus(t, o, a.ID(), agent.StatusFailed)
	if !strings.Contains(snap.Error, "turn limit") {
		t.Errorf("error = %q", snap.Error)
	}
}

type failingResource struct {
	mu    sync.Mutex
	calls int
}

func (f *failingResource) Release() error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("unwatch failed")
}

func TestRemoveDespiteFailingCleanup(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	a, err := o.Create(agent.Options{Instructions: "x"})
	if err != nil {
		t.Fatal(err)
	}
	res := &failingResource{}
	a.SetResource(res)
	if o.Active() != a.ID() {
		t.Errorf("created agent is not active")
	}
	if err := o.Remove(a.ID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := o.Get(a.ID()); !errors.IsKind(err, errors.Validation) {
		t.Errorf("agent still present: %v", err)
	}
	if res.calls != 1 || o.Active() != "" || len(o.List()) != 0 {
		t.Errorf("calls=%d active=%q list=%v", res.calls, o.Active(), o.List())
	}
	if err := o.Remove(a.ID()); !errors.IsKind(err, errors.Validation) {
		t.Errorf("second Remove: %v", err)
	}
}

func TestResultsAfterRemovalAreDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	d := &fakeDispatcher{fn: func(context.Context, string, string, map[string]any) (string, error) {
		close(entered)
		<-release
		return "late", nil
	}}
	model := llm.NewScripted(callTool("read_file", map[string]any{"path": "a"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	<-entered

	o.mu.RLock()
	done := o.agents[a.ID()].done
	o.mu.RUnlock()
	if err := o.Remove(a.ID()); err != nil {
		t.Fatal(err)
	}
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("model loop did not stop")
	}
	for _, s := range a.Snapshot().Steps {
		if s.Kind == agent.StepToolResult {
			t.Errorf("result recorded after removal: %+v", s)
		}
	}
	if n := len(model.Requests()); n != 1 {
		t.Errorf("model called %d times after removal", n)
	}
}

func TestRemoveAll(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	var removed []string
	defer o.Subscribe(Callbacks{OnRemoved: func(id string) { removed = append(removed, id) }})()
	for i := 0; i < 3; i++ {
		if _, err := o.Create(agent.Options{Instructions: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	o.RemoveAll()
	if len(o.List()) != 0 || len(removed) != 3 {
		t.Errorf("list=%v removed=%v", o.List(), removed)
	}
}

func TestStartTwice(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	if err := o.Start(a.ID()); !errors.IsKind(err, errors.Validation) {
		t.Errorf("second Start: %v", err)
	}
	if err := o.Wait(context.Background(), a.ID()); err != nil {
		t.Fatal(err)
	}
	if a.Status() != agent.StatusCompleted {
		t.Errorf("status = %s", a.Status())
	}
	if err := o.UpdateStatus("agent-missing", agent.StatusFailed, "x"); err != nil {
		t.Errorf("UpdateStatus on unknown id: %v", err)
	}
}

func TestListAndRunning(t *testing.T) {
	d := &fakeDispatcher{}
	model := llm.NewScripted(callTool("write_file", map[string]any{"path": "a"}))
	o := newTestOrchestrator(t, model, d, config.Policy{})
	idle, _ := o.Create(agent.Options{Instructions: "idle"})
	busy := startAgent(t, o, policy.Standard)
	waitStatus(t, o, busy.ID(), agent.StatusWaiting)

	list := o.List()
	if len(list) != 2 || list[0].ID != idle.ID() {
		t.Fatalf("List() = %+v", list)
	}
	if list[1].PendingApprovals != 1 {
		t.Errorf("pending approvals = %d", list[1].PendingApprovals)
	}
	running := o.Running()
	if len(running) != 1 || running[0].ID != busy.ID() || !o.HasActive() {
		t.Errorf("Running() = %+v", running)
	}
	if err := o.SetActive(idle.ID()); err != nil || o.Active() != idle.ID() {
		t.Errorf("SetActive: %v", err)
	}
	if err := o.SetActive("agent-missing"); err == nil {
		t.Error("SetActive accepted an unknown id")
	}
}

func TestSuspendAndResume(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	a, err := o.Create(agent.Options{Instructions: "Refactor the storage layer to use transactions"})
	if err != nil {
		t.Fatal(err)
	}
	a.AppendMessage(agent.RoleAssistant, "Moved the writes into one transaction.")

	rec, err := o.Suspend(a.ID())
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if _, err := o.Get(a.ID()); err == nil {
		t.Error("suspended agent is still live")
	}
	if rec.Context.WorkSummary != "Moved the writes into one transaction." {
		t.Errorf("work summary = %q", rec.Context.WorkSummary)
	}

	resumed, err := o.ResumeSaved(rec.Session.ID, agent.Options{IncludeFullConversation: true})
	if err != nil {
		t.Fatalf("ResumeSaved: %v", err)
	}
	cfg := resumed.Config()
	if cfg.Name != "Resumed: Refactor the storage laye..." {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Context.IncludeFullConversation || len(cfg.Context.Messages) != 0 {
		t.Errorf("resumed agent was seeded: %+v", cfg.Context)
	}
	if !strings.Contains(cfg.Instructions, "Refactor the storage layer") {
		t.Errorf("instructions = %q", cfg.Instructions)
	}
	saved, err := o.sessions.Load(rec.Session.ID)
	if err != nil || saved.Session.Status != session.StatusActive {
		t.Errorf("stored session = %+v, %v", saved, err)
	}
	if _, err := o.ResumeSaved("missing", agent.Options{}); err == nil {
		t.Error("resumed a missing session")
	}
}

func TestJanitorTrims(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	o.opts.MaxSteps, o.opts.MaxMessages = 2, 3
	a, _ := o.Create(agent.Options{Instructions: "x"})
	for i := 0; i < 5; i++ {
		a.AppendMessage(agent.RoleAssistant, "m")
		if _, err := a.AppendStep(agent.Step{Kind: agent.StepMessage, Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.RunJanitor(ctx, 10*time.Millisecond)
	waitFor(t, "trim", func() bool {
		s := a.Snapshot()
		return len(s.Steps) == 2 && len(s.Messages) == 3
	})
	if err := o.Trim("agent-missing", 1, 1); !errors.IsKind(err, errors.Validation) {
		t.Errorf("Trim unknown agent: %v", err)
	}
}

type fakeServers struct {
	mu       sync.Mutex
	restarts []string
	stops    []string
}

func (f *fakeServers) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	return nil
}

func (f *fakeServers) Stop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, name)
}

func (f *fakeServers) Status() []supervisor.ServerStatus {
	return []supervisor.ServerStatus{{Name: tools.FilesystemServer, State: supervisor.StateRunning}}
}

func TestConfigureServer(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	srv := &fakeServers{}
	o.servers = srv
	o.opts.RegistryPath = t.TempDir() + "/servers.yaml"

	dir := t.TempDir()
	on, off := true, false
	if err := o.ConfigureServer(context.Background(), tools.FilesystemServer, ServerChange{AllowedDirectory: &dir}); err != nil {
		t.Fatalf("ConfigureServer: %v", err)
	}
	if got := o.registry.AllowedDirectory(); got != dir {
		t.Errorf("allowed directory = %q, want %q", got, dir)
	}
	if err := o.ConfigureServer(context.Background(), tools.MemoryServer, ServerChange{Enabled: &on}); err != nil {
		t.Fatal(err)
	}
	if err := o.ConfigureServer(context.Background(), tools.FilesystemServer, ServerChange{Enabled: &off}); err != nil {
		t.Fatal(err)
	}
	if len(srv.restarts) != 2 || srv.restarts[1] != tools.MemoryServer || len(srv.stops) != 1 {
		t.Errorf("restarts=%v stops=%v", srv.restarts, srv.stops)
	}
	if err := o.ConfigureServer(context.Background(), "nope", ServerChange{Enabled: &on}); !errors.IsKind(err, errors.Validation) {
		t.Errorf("unknown server: %v", err)
	}

	infos := o.Servers()
	if len(infos) != 2 || infos[0].Name != tools.FilesystemServer || infos[0].State != supervisor.StateRunning {
		t.Errorf("Servers() = %+v", infos)
	}
}

func TestFatalSiblingDeniesParkedCall(t *testing.T) {
	read := make(chan struct{})
	d := &fakeDispatcher{fn: func(_ context.Context, _, tool string, _ map[string]any) (string, error) {
		if tool == "read_file" {
			<-read
			return "", errors.E(errors.ToolServerUnavailable, "tool server %q is unavailable", "filesystem")
		}
		return "wrote", nil
	}}
	model := llm.NewScripted(llm.ScriptedReply{Reply: &llm.Reply{ToolCalls: []llm.ToolInvocation{
		{ID: "c1", Tool: "read_file", Args: map[string]any{"path": "a"}},
		{ID: "c2", Tool: "write_file", Args: map[string]any{"path": "b"}},
	}}})
	o := newTestOrchestrator(t, model, d, config.Policy{})
	a := startAgent(t, o, policy.Standard)

	waitFor(t, "parked write", func() bool { return len(o.PendingApprovals()) == 1 })
	stepID := o.PendingApprovals()[0].Step.ID
	close(read)
	waitStatus(t, o, a.ID(), agent.StatusFailed)
	waitFor(t, "leftover call denied", func() bool { return len(o.PendingApprovals()) == 0 })

	step, ok := a.Step(stepID)
	if !ok || step.ToolCall.Status != agent.ToolDenied || !strings.Contains(step.ToolCall.Result, "agent failed") {
		t.Fatalf("leftover step = %+v", step)
	}
	if err := o.Approve(a.ID(), stepID); !errors.IsKind(err, errors.NotPending) {
		t.Errorf("Approve on failed agent: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := d.count(); n != 1 {
		t.Errorf("dispatcher called %d times, want 1", n)
	}
}

func TestApproveRejectsFinishedAgent(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	a := startAgent(t, o, policy.Standard)
	waitStatus(t, o, a.ID(), agent.StatusCompleted)
	if err := o.Approve(a.ID(), "step-1"); !errors.IsKind(err, errors.NotPending) {
		t.Errorf("Approve = %v, want not_pending", err)
	}
}

type lookupOnRelease struct {
	o       *Orchestrator
	id      string
	visible bool
}

func (p *lookupOnRelease) Release() error {
	_, err := p.o.Get(p.id)
	p.visible = err == nil
	return nil
}

func TestCleanupRunsBeforeRemoval(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	for _, all := range []bool{false, true} {
		a, err := o.Create(agent.Options{Instructions: "x"})
		if err != nil {
			t.Fatal(err)
		}
		res := &lookupOnRelease{o: o, id: a.ID()}
		a.SetResource(res)
		if all {
			o.RemoveAll()
		} else if err := o.Remove(a.ID()); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if !res.visible {
			t.Errorf("all=%v: agent was gone before its cleanup ran", all)
		}
		if _, err := o.Get(a.ID()); err == nil {
			t.Errorf("all=%v: agent still present after removal", all)
		}
	}
}

func TestAllowedDirectoryOnlyForFilesystem(t *testing.T) {
	o := newTestOrchestrator(t, llm.Echo{}, &fakeDispatcher{}, config.Policy{})
	srv := &fakeServers{}
	o.servers = srv
	before := o.registry.AllowedDirectory()
	dir := t.TempDir()
	err := o.ConfigureServer(context.Background(), tools.MemoryServer, ServerChange{AllowedDirectory: &dir})
	if !errors.IsKind(err, errors.Validation) {
		t.Fatalf("ConfigureServer = %v, want validation error", err)
	}
	if got := o.registry.AllowedDirectory(); got != before {
		t.Errorf("allowed directory changed to %q", got)
	}
	if len(srv.restarts) != 0 || len(srv.stops) != 0 {
		t.Errorf("restarts=%v stops=%v", srv.restarts, srv.stops)
	}
}
