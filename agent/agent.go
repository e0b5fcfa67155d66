package agent

import (
	"sync"
	"time"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

func newMessage(ids *IDs, role Role, content string) Message {
	return Message{ID: ids.Message(), Role: role, Content: content, CreatedAt: time.Now()}
}

type StepKind string

const (
	StepThinking   StepKind = "thinking"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepMessage    StepKind = "message"
	StepError      StepKind = "error"
)

// ToolCall is the tool invocation recorded on a tool_call step.
type ToolCall struct {
	CallID string         `json:"callId,omitempty"`
	Server string         `json:"server"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Risk   tools.Risk     `json:"riskLevel"`
	Status ToolStatus     `json:"status"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type Step struct {
	ID        string    `json:"id"`
	Kind      StepKind  `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolCall  *ToolCall `json:"toolCall,omitempty"`
}

func (s Step) clone() Step {
	if s.ToolCall != nil {
		tc := *s.ToolCall
		if tc.Args != nil {
			tc.Args = make(map[string]any, len(s.ToolCall.Args))
			for k, v := range s.ToolCall.Args {
				tc.Args[k] = v
			}
		}
		s.ToolCall = &tc
	}
	return s
}

// StepUpdate is merged into an existing step. Nil fields are left alone.
type StepUpdate struct {
	Content *string
	Status  ToolStatus
	Result  *string
	Error   *string
}

// Resource is released when the agent is removed. The workspace guard is
// the usual implementation.
type Resource interface {
	Release() error
}

type EventKind string

const (
	EventStatus  EventKind = "status"
	EventStep    EventKind = "step"
	EventMessage EventKind = "message"
)

// Event describes one applied mutation. Step and Message are copies.
type Event struct {
	AgentID string
	Kind    EventKind
	Status  Status
	Error   string
	Step    *Step
	Message *Message
	// Updated is set when Step or Message replaces an earlier version.
	Updated bool
}

type Agent struct {
	id  string
	ids *IDs

	mu             sync.Mutex
	cfg            Config
	systemPrompt   string
	status         Status
	err            string
	messages       []Message
	steps          []Step
	pending        []string // pending tool_call step ids, oldest first
	createdAt      time.Time
	startedAt      time.Time
	completedAt    time.Time
	stepsCompleted int
	resource       Resource
	released       bool
	observer       func(Event)
}

// New creates an agent in the created state. The instructions become the
// first user message, after any seed context.
func New(opts Options, ids *IDs) (*Agent, error) {
	if ids == nil {
		ids = &IDs{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = GenerateName()
	}
	seed := opts.seedMessages(ids)
	a := &Agent{
		id:  ids.Agent(),
		ids: ids,
		cfg: Config{
			Name:           name,
			Instructions:   opts.Instructions,
			Permission:     opts.Permission,
			ModelID:        opts.ModelID,
			PersonaID:      opts.PersonaID,
			PersonaContent: opts.PersonaContent,
			Context: Seed{
				IncludeCurrentMessage:   opts.IncludeCurrentMessage,
				IncludeParentContext:    opts.IncludeParentContext,
				IncludeFullConversation: opts.IncludeFullConversation,
				ParentContextDepth:      opts.ParentContextDepth,
				Messages:                append([]Message(nil), seed...),
				WorkingDirectory:        opts.WorkingDirectory,
			},
			ConversationID:  opts.ConversationID,
			SourceMessageID: opts.SourceMessageID,
		},
		systemPrompt: SystemPrompt(opts.PersonaContent),
		status:       StatusCreated,
		createdAt:    time.Now(),
	}
	a.messages = append(seed, newMessage(ids, RoleUser, opts.Instructions))
	return a, nil
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *Agent) SystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemPrompt
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Observe registers fn to receive every applied mutation. fn runs outside
// the agent's lock and may read the agent.
func (a *Agent) Observe(fn func(Event)) {
	a.mu.Lock()
	a.observer = fn
	a.mu.Unlock()
}

// SetResource attaches the guard released on removal.
func (a *Agent) SetResource(r Resource) {
	a.mu.Lock()
	a.resource = r
	a.mu.Unlock()
}

func (a *Agent) emit(observer func(Event), events ...Event) {
	if observer == nil {
		return
	}
	for _, e := range events {
		e.AgentID = a.id
		observer(e)
	}
}

// UpdateStatus moves the agent to status. Setting the current status again
// is a no-op; a move the lifecycle does not allow is a Validation error.
func (a *Agent) UpdateStatus(status Status, errText string) error {
	a.mu.Lock()
	if a.status == status {
		a.mu.Unlock()
		return nil
	}
	if !CanTransition(a.status, status) {
		from := a.status
		a.mu.Unlock()
		return errors.E(errors.Validation, "agent %s cannot move from %s to %s", a.id, from, status)
	}
	ev := a.setStatus(status, errText)
	observer := a.observer
	a.mu.Unlock()
	a.emit(observer, ev)
	return nil
}

// setStatus applies a transition already known to be legal. Callers hold
// a.mu.
func (a *Agent) setStatus(status Status, errText string) Event {
	now := time.Now()
	a.status = status
	if errText != "" {
		a.err = errText
	}
	if status == StatusRunning && a.startedAt.IsZero() {
		a.startedAt = now
	}
	if status.Terminal() {
		a.completedAt = now
	}
	return Event{Kind: EventStatus, Status: status, Error: a.err}
}

// AppendMessage records a message. Assistant messages count as completed
// steps.
func (a *Agent) AppendMessage(role Role, content string) Message {
	a.mu.Lock()
	m := newMessage(a.ids, role, content)
	if n := len(a.messages); n > 0 && m.CreatedAt.Before(a.messages[n-1].CreatedAt) {
		m.CreatedAt = a.messages[n-1].CreatedAt
	}
	a.messages = append(a.messages, m)
	if role == RoleAssistant {
		a.stepsCompleted++
	}
	observer := a.observer
	a.mu.Unlock()
	a.emit(observer, Event{Kind: EventMessage, Message: &m})
	return m
}

// EditMessage replaces the content of message id. Unknown ids are ignored.
func (a *Agent) EditMessage(id, content string) bool {
	a.mu.Lock()
	for i := range a.messages {
		if a.messages[i].ID == id {
			a.messages[i].Content = content
			m := a.messages[i]
			observer := a.observer
			a.mu.Unlock()
			a.emit(observer, Event{Kind: EventMessage, Message: &m, Updated: true})
			return true
		}
	}
	a.mu.Unlock()
	return false
}

// AppendStep records step and returns it with its id and timestamp set.
// A preset id is kept if it is not already in use.
// A tool_call step must start pending, approved or denied. A pending call
// joins the pending set, and a running agent starts waiting.
func (a *Agent) AppendStep(step Step) (Step, error) {
	if step.Kind == StepToolCall {
		if step.ToolCall == nil {
			return Step{}, errors.E(errors.Validation, "tool_call step without a tool call")
		}
		switch step.ToolCall.Status {
		case ToolPending, ToolApproved, ToolDenied:
		default:
			return Step{}, errors.E(errors.Validation, "tool_call step cannot start %s", step.ToolCall.Status)
		}
	}
	step = step.clone()

	a.mu.Lock()
	if step.ID == "" {
		step.ID = a.ids.Step()
	} else if a.stepIndex(step.ID) >= 0 {
		a.mu.Unlock()
		return Step{}, errors.E(errors.Validation, "agent %s already has step %s", a.id, step.ID)
	}
	step.Timestamp = time.Now()
	if n := len(a.steps); n > 0 && step.Timestamp.Before(a.steps[n-1].Timestamp) {
		step.Timestamp = a.steps[n-1].Timestamp
	}
	a.steps = append(a.steps, step)
	out := step.clone()
	events := []Event{{Kind: EventStep, Step: &out}}
	if step.Kind == StepToolCall && step.ToolCall.Status == ToolPending {
		a.pending = append(a.pending, step.ID)
		if a.status == StatusRunning {
			events = append(events, a.setStatus(StatusWaiting, ""))
		}
	}
	observer := a.observer
	a.mu.Unlock()
	a.emit(observer, events...)
	return step.clone(), nil
}

// UpdateStep merges u into step id. A step leaving pending leaves the
// pending set; once none remain a waiting agent runs again.
func (a *Agent) UpdateStep(id string, u StepUpdate) (Step, error) {
	a.mu.Lock()
	i := a.stepIndex(id)
	if i < 0 {
		a.mu.Unlock()
		return Step{}, errors.E(errors.Validation, "agent %s has no step %s", a.id, id)
	}
	s := &a.steps[i]
	var events []Event
	if u.Status != "" {
		if s.ToolCall == nil {
			a.mu.Unlock()
			return Step{}, errors.E(errors.Validation, "step %s is not a tool call", id)
		}
		from := s.ToolCall.Status
		if err := checkToolTransition(from, u.Status); err != nil {
			a.mu.Unlock()
			return Step{}, err
		}
		s.ToolCall.Status = u.Status
		if from == ToolPending && u.Status != ToolPending {
			a.removePending(id)
			if len(a.pending) == 0 && a.status == StatusWaiting {
				events = append(events, a.setStatus(StatusRunning, ""))
			}
		}
	}
	if u.Content != nil {
		s.Content = *u.Content
	}
	if s.ToolCall != nil {
		if u.Result != nil {
			s.ToolCall.Result = *u.Result
		}
		if u.Error != nil {
			s.ToolCall.Error = *u.Error
		}
	}
	out := s.clone()
	events = append([]Event{{Kind: EventStep, Step: &out, Updated: true}}, events...)
	observer := a.observer
	a.mu.Unlock()
	a.emit(observer, events...)
	return out.clone(), nil
}

func (a *Agent) stepIndex(id string) int {
	for i := range a.steps {
		if a.steps[i].ID == id {
			return i
		}
	}
	return -1
}

func (a *Agent) removePending(id string) {
	for i, p := range a.pending {
		if p == id {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return
		}
	}
}

// Step returns a copy of step id.
func (a *Agent) Step(id string) (Step, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := a.stepIndex(id); i >= 0 {
		return a.steps[i].clone(), true
	}
	return Step{}, false
}

// PendingSteps returns the pending tool calls, current first.
func (a *Agent) PendingSteps() []Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Step, 0, len(a.pending))
	for _, id := range a.pending {
		if i := a.stepIndex(id); i >= 0 {
			out = append(out, a.steps[i].clone())
		}
	}
	return out
}

// Messages returns a copy of the message log.
func (a *Agent) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.messages...)
}

// Release runs the resource guard. Only the first call has any effect.
func (a *Agent) Release() error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return nil
	}
	a.released = true
	r := a.resource
	a.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Release()
}

// Snapshot is a deep copy of an agent for readers and persistence.
type Snapshot struct {
	ID               string    `json:"id"`
	Config           Config    `json:"config"`
	Status           Status    `json:"status"`
	Error            string    `json:"error,omitempty"`
	SystemPrompt     string    `json:"systemPrompt"`
	Messages         []Message `json:"messages"`
	Steps            []Step    `json:"steps"`
	PendingApprovals []string  `json:"pendingApprovals"`
	PendingToolCall  *Step     `json:"pendingToolCall,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	StartedAt        time.Time `json:"startedAt,omitzero"`
	CompletedAt      time.Time `json:"completedAt,omitzero"`
	StepsCompleted   int       `json:"stepsCompleted"`
}

func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		ID:               a.id,
		Config:           a.cfg,
		Status:           a.status,
		Error:            a.err,
		SystemPrompt:     a.systemPrompt,
		Messages:         append([]Message(nil), a.messages...),
		Steps:            make([]Step, len(a.steps)),
		PendingApprovals: append([]string{}, a.pending...),
		CreatedAt:        a.createdAt,
		StartedAt:        a.startedAt,
		CompletedAt:      a.completedAt,
		StepsCompleted:   a.stepsCompleted,
	}
	s.Config.Context.Messages = append([]Message(nil), a.cfg.Context.Messages...)
	for i := range a.steps {
		s.Steps[i] = a.steps[i].clone()
	}
	if len(a.pending) > 0 {
		if i := a.stepIndex(a.pending[0]); i >= 0 {
			cur := a.steps[i].clone()
			s.PendingToolCall = &cur
		}
	}
	return s
}

// Summary is the list view of an agent.
type Summary struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Status           Status `json:"status"`
	StepsCompleted   int    `json:"stepsCompleted"`
	PendingApprovals int    `json:"pendingApprovals"`
	HasError         bool   `json:"hasError"`
}

func (a *Agent) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summary{
		ID:               a.id,
		Name:             a.cfg.Name,
		Status:           a.status,
		StepsCompleted:   a.stepsCompleted,
		PendingApprovals: len(a.pending),
		HasError:         a.err != "",
	}
}
