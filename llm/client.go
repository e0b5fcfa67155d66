package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
)

// Request is one model turn for an agent.
type Request struct {
	AgentID      string
	ModelID      string
	SystemPrompt string
	Messages     []agent.Message
	Tools        []tools.ToolInfo
}

// ToolInvocation is a tool call requested by the model. Server is filled
// in when the tool catalog names the owner.
type ToolInvocation struct {
	ID     string
	Server string
	Tool   string
	Args   map[string]any
}

type Reply struct {
	Content   string
	Thinking  string
	ToolCalls []ToolInvocation
}

// Model is the interface for interacting with a Large Language Model.
type Model interface {
	Submit(ctx context.Context, req Request) (*Reply, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (*Reply, error)

func (f ModelFunc) Submit(ctx context.Context, req Request) (*Reply, error) { return f(ctx, req) }

// New builds the model named by cfg.Provider.
func New(ctx context.Context, cfg config.Model) (Model, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(ctx, cfg.Name)
	case "openai":
		return NewOpenAI(ctx, cfg.Name)
	case "bedrock":
		return NewBedrock(ctx, cfg.Name)
	case "anthropic":
		return NewAnthropic(ctx, cfg.Name)
	case "mock", "echo", "":
		return Echo{}, nil
	}
	return nil, errors.E(errors.Validation, "unknown model provider %q", cfg.Provider)
}

// Echo parrots the last user message back and never calls tools.
type Echo struct{}

func (Echo) Submit(_ context.Context, req Request) (*Reply, error) {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == agent.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	var names []string
	for _, t := range req.Tools {
		names = append(names, t.Name)
	}
	return &Reply{Content: fmt.Sprintf("I am a mock model. You said: '%s'. Available tools: [%s]. TASK COMPLETED", last, strings.Join(names, ", "))}, nil
}

// Scripted replays canned replies in order, then reports completion. It
// records every request it receives.
type Scripted struct {
	mu       sync.Mutex
	replies  []ScriptedReply
	requests []Request
}

type ScriptedReply struct {
	Reply *Reply
	Err   error
}

func NewScripted(replies ...ScriptedReply) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) Submit(ctx context.Context, req Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Messages = append([]agent.Message(nil), req.Messages...)
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return &Reply{Content: "TASK COMPLETED"}, nil
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next.Reply, next.Err
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
