package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/logging"
	"github.com/m4xw311/arbor/orchestrator"
	"go.uber.org/zap"
)

type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ParseVerbosity maps a flag value to a Verbosity. The empty string is
// None.
func ParseVerbosity(s string) (Verbosity, error) {
	switch Verbosity(s) {
	case "":
		return VerbosityNone, nil
	case VerbosityNone, VerbosityInfo, VerbosityAll:
		return Verbosity(s), nil
	}
	return "", errors.E(errors.Validation, "invalid tool verbosity '%s', must be 'none', 'info' or 'all'", s)
}

// Terminal handles the console interaction mode.
type Terminal struct {
	log       *zap.Logger
	orch      *orchestrator.Orchestrator
	in        *bufio.Scanner
	out       io.Writer
	verbosity Verbosity
	base      agent.Options
	template  *agent.Template

	history []agent.Message
}

// New returns a console reading from in and writing to out. base carries
// the options every agent is created with; Instructions is ignored.
func New(log *zap.Logger, orch *orchestrator.Orchestrator, in io.Reader, out io.Writer, verbosity Verbosity, base agent.Options) *Terminal {
	return &Terminal{
		log:       logging.Component(log, "terminal"),
		orch:      orch,
		in:        bufio.NewScanner(in),
		out:       out,
		verbosity: verbosity,
		base:      base,
	}
}

// UseTemplate applies tmpl to the first prompt of the session. Follow-up
// prompts inherit it through the conversation.
func (t *Terminal) UseTemplate(tmpl agent.Template) {
	t.template = &tmpl
}

// Run starts the interactive session. A non-empty initialPrompt is
// processed before reading from the console.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, promptStyle.Render("You:")+" ")
		line, ok := t.readLine()
		if !ok {
			break
		}
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if line == "/servers" {
			t.printServers()
			continue
		}
		if err := t.processTurn(ctx, line); err != nil {
			fmt.Fprintln(t.out, errorStyle.Render("Error: "+err.Error()))
		}
	}
	return t.in.Err()
}

func (t *Terminal) readLine() (string, bool) {
	if !t.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(t.in.Text()), true
}

func (t *Terminal) printServers() {
	for _, s := range t.orch.Servers() {
		state := "disabled"
		if s.Enabled {
			state = "enabled"
			if s.State != "" {
				state = string(s.State)
			}
		}
		fmt.Fprintf(t.out, "  %s %s\n", toolStyle.Render(s.Name), dimStyle.Render(fmt.Sprintf("(%s, %d tools)", state, s.Tools)))
	}
}

// event is one orchestrator callback, queued for the console goroutine.
type event struct {
	status  agent.Status
	errText string
	step    *agent.Step
	updated bool
	message *agent.Message
}

// queue collects callbacks without blocking the agent goroutine.
type queue struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func (q *queue) push(e event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// processTurn runs one prompt as an agent and waits until it finishes.
// Approvals are answered from the console goroutine, never from inside a
// callback.
func (t *Terminal) processTurn(ctx context.Context, prompt string) error {
	opts := t.base
	opts.Instructions = prompt
	if len(t.history) > 0 {
		opts.ConversationMessages = t.history
		opts.IncludeFullConversation = true
	} else if t.template != nil {
		var err error
		if opts, err = t.template.Apply(opts); err != nil {
			return err
		}
	}
	a, err := t.orch.Create(opts)
	if err != nil {
		return err
	}
	return t.follow(ctx, a.ID())
}

// Attach runs an agent that was created elsewhere, such as a resumed
// session, then continues with the interactive session.
func (t *Terminal) Attach(ctx context.Context, id string) error {
	if err := t.follow(ctx, id); err != nil {
		return err
	}
	return t.Run(ctx, "")
}

// follow starts agent id and shows its progress until it finishes.
func (t *Terminal) follow(ctx context.Context, id string) error {
	q := &queue{signal: make(chan struct{}, 1)}
	cancel := t.orch.Subscribe(orchestrator.Callbacks{
		OnStatus: func(agentID string, status agent.Status, errText string) {
			if agentID == id {
				q.push(event{status: status, errText: errText})
			}
		},
		OnStep: func(agentID string, step agent.Step, updated bool) {
			if agentID == id {
				q.push(event{step: &step, updated: updated})
			}
		},
		OnMessage: func(agentID string, msg agent.Message, updated bool) {
			if agentID == id && !updated {
				q.push(event{message: &msg})
			}
		},
	})
	defer cancel()

	if err := t.orch.Start(id); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = t.orch.Remove(id)
			return ctx.Err()
		case <-q.signal:
		}
		for _, e := range q.drain() {
			done, err := t.show(id, e)
			if done {
				t.remember(id)
				return err
			}
		}
	}
}

// show prints e and answers approvals. It reports whether the agent
// reached a terminal state.
func (t *Terminal) show(id string, e event) (bool, error) {
	switch {
	case e.message != nil:
		if e.message.Role == agent.RoleAssistant && e.message.Content != "" {
			fmt.Fprintf(t.out, "%s %s\n", agentStyle.Render("Arbor:"), e.message.Content)
		}
	case e.step != nil:
		t.showStep(id, *e.step, e.updated)
	case e.status == agent.StatusCompleted:
		return true, nil
	case e.status == agent.StatusFailed:
		return true, errors.New("agent failed: %s", e.errText)
	}
	return false, nil
}

func (t *Terminal) showStep(id string, s agent.Step, updated bool) {
	tc := s.ToolCall
	if tc == nil {
		if s.Kind == agent.StepThinking && t.verbosity == VerbosityAll {
			fmt.Fprintln(t.out, dimStyle.Render(s.Content))
		}
		return
	}
	switch tc.Status {
	case agent.ToolPending:
		t.describeCall(tc, true)
		t.ask(id, s.ID)
	case agent.ToolApproved:
		if !updated && t.verbosity != VerbosityNone {
			t.describeCall(tc, false)
		}
	case agent.ToolDenied:
		fmt.Fprintln(t.out, dimStyle.Render(fmt.Sprintf("Tool `%s` was not run: %s", tc.Name, tc.Result)))
	case agent.ToolCompleted:
		if t.verbosity == VerbosityAll {
			fmt.Fprintf(t.out, "Tool %s output: %s\n", toolStyle.Render("`"+tc.Name+"`"), tc.Result)
		}
	case agent.ToolFailed:
		fmt.Fprintln(t.out, errorStyle.Render(fmt.Sprintf("Tool `%s` failed: %s", tc.Name, tc.Error)))
	}
}

func (t *Terminal) describeCall(tc *agent.ToolCall, always bool) {
	name := toolStyle.Render("`" + tc.Server + "/" + tc.Name + "`")
	if t.verbosity == VerbosityAll || (always && len(tc.Args) > 0) {
		fmt.Fprintf(t.out, "Arbor wants to call tool %s %s with args: %v\n", name, riskLabel(string(tc.Risk)), tc.Args)
		return
	}
	fmt.Fprintf(t.out, "Arbor wants to call tool %s %s\n", name, riskLabel(string(tc.Risk)))
}

func (t *Terminal) ask(id, stepID string) {
	fmt.Fprint(t.out, promptStyle.Render("Do you want to allow this? (y/n):")+" ")
	answer, ok := t.readLine()
	var err error
	if ok && strings.ToLower(answer) == "y" {
		err = t.orch.Approve(id, stepID)
	} else {
		err = t.orch.Deny(id, stepID, "")
	}
	if err != nil {
		t.log.Debug("approval answer not applied", zap.String("agent", id), zap.String("step", stepID), zap.Error(err))
	}
}

// remember keeps the finished agent's conversation for the next prompt
// and removes the agent.
func (t *Terminal) remember(id string) {
	if snap, err := t.orch.Get(id); err == nil {
		t.history = snap.Messages
	}
	if err := t.orch.Remove(id); err != nil {
		t.log.Warn("could not remove finished agent", zap.String("agent", id), zap.Error(err))
	}
}
