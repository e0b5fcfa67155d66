package agent

import (
	"math/rand/v2"
	"strings"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/policy"
)

const defaultParentContextDepth = 3

// Options describe an agent to create. Zero-valued seed flags add no
// context from the source conversation.
type Options struct {
	Name         string
	Instructions string
	Permission   policy.Permission
	ModelID      string

	PersonaID      string
	PersonaContent string

	ConversationID       string
	SourceMessageID      string
	SourceMessageContent string
	ConversationMessages []Message

	IncludeCurrentMessage   bool
	IncludeParentContext    bool
	IncludeFullConversation bool
	ParentContextDepth      int

	WorkingDirectory string
}

// Seed is the context an agent was created with.
type Seed struct {
	IncludeCurrentMessage   bool      `json:"includeCurrentMessage"`
	IncludeParentContext    bool      `json:"includeParentContext"`
	IncludeFullConversation bool      `json:"includeFullConversation"`
	ParentContextDepth      int       `json:"parentContextDepth"`
	Messages                []Message `json:"seedMessages"`
	WorkingDirectory        string    `json:"workingDirectory,omitempty"`
}

// Config is the immutable part of an agent.
type Config struct {
	Name            string            `json:"name"`
	Instructions    string            `json:"instructions"`
	Permission      policy.Permission `json:"toolPermission"`
	ModelID         string            `json:"modelId,omitempty"`
	PersonaID       string            `json:"personaId,omitempty"`
	PersonaContent  string            `json:"personaContent,omitempty"`
	Context         Seed              `json:"context"`
	ConversationID  string            `json:"sourceConversationId,omitempty"`
	SourceMessageID string            `json:"sourceMessageId,omitempty"`
}

func (o *Options) validate() error {
	if strings.TrimSpace(o.Instructions) == "" {
		return errors.E(errors.Validation, "agent instructions must not be empty")
	}
	if o.ParentContextDepth < 0 {
		return errors.E(errors.Validation, "parent context depth must not be negative, got %d", o.ParentContextDepth)
	}
	perm, err := policy.ParsePermission(string(o.Permission))
	if err != nil {
		return err
	}
	o.Permission = perm
	if o.ParentContextDepth == 0 {
		o.ParentContextDepth = defaultParentContextDepth
	}
	return nil
}

// seedMessages picks the conversation context handed to a new agent.
func (o *Options) seedMessages(ids *IDs) []Message {
	var seed []Message
	if o.IncludeCurrentMessage && o.SourceMessageContent != "" {
		seed = append(seed, newMessage(ids, RoleAssistant, o.SourceMessageContent))
	}
	switch {
	case o.IncludeFullConversation:
		seed = append(seed, o.ConversationMessages...)
	case o.IncludeParentContext:
		msgs := o.ConversationMessages
		if n := o.ParentContextDepth * 2; len(msgs) > n {
			msgs = msgs[len(msgs)-n:]
		}
		seed = append(seed, msgs...)
	}
	return seed
}

const basePrompt = `You are an autonomous coding agent. Your task is to complete the user's request step by step.

IMPORTANT GUIDELINES:
1. Work methodically and break complex tasks into smaller steps
2. Use tools to read files, write code, and execute commands
3. Always verify your work by reading files after writing them
4. If you encounter an error, analyze it and try a different approach
5. Explain what you're doing at each step
6. When you complete the task, clearly state "TASK COMPLETED" and summarize what you did

Tool calls may be paused until the user approves them. A denied call comes back as a tool result; adapt your plan instead of retrying it.`

// SystemPrompt composes the agent's system prompt from an optional persona.
func SystemPrompt(persona string) string {
	if strings.TrimSpace(persona) == "" {
		return basePrompt
	}
	return persona + "\n\n---\n\n" + basePrompt
}

var (
	nameAdjectives = []string{"Swift", "Smart", "Diligent", "Clever", "Quick", "Focused", "Sharp", "Bright"}
	nameNouns      = []string{"Coder", "Builder", "Worker", "Helper", "Agent", "Assistant"}
)

// GenerateName returns a name like "Clever Builder".
func GenerateName() string {
	return nameAdjectives[rand.IntN(len(nameAdjectives))] + " " + nameNouns[rand.IntN(len(nameNouns))]
}
