// Package session captures the work context of an agent so that a later
// agent can pick it up, and persists those snapshots.
package session

import (
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCrashed   Status = "crashed"
)

// ResumedSession identifies a captured work session.
type ResumedSession struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	OriginalPrompt string    `json:"originalPrompt"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	CompletedAt    time.Time `json:"completedAt,omitzero"`
	TokenEstimate  int       `json:"tokenEstimate"`
	EntryCount     int       `json:"entryCount"`
}

// ResumptionContext is what a resumed agent is told about the earlier work.
type ResumptionContext struct {
	OriginalPrompt     string   `json:"originalPrompt"`
	WorkSummary        string   `json:"workSummary"`
	KeyDecisions       []string `json:"keyDecisions"`
	CurrentState       string   `json:"currentState"`
	FilesModified      []string `json:"filesModified"`
	PendingActions     []string `json:"pendingActions"`
	ErrorHistory       []string `json:"errorHistory"`
	SuggestedNextSteps []string `json:"suggestedNextSteps"`
	TokenCount         int      `json:"tokenCount"`
}

// BuildPrompt renders the instructions of a resumed agent. Sections with
// nothing to say are left out.
func BuildPrompt(c ResumptionContext) string {
	sections := []string{
		"## Resuming Previous Work Session\n\nYou are resuming an interrupted work session. Here is the context:",
	}
	text := func(title, body string) {
		if body = strings.TrimSpace(body); body != "" {
			sections = append(sections, "**"+title+":**\n"+body)
		}
	}
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		lines := make([]string, len(items))
		for i, item := range items {
			lines[i] = "- " + item
		}
		sections = append(sections, "**"+title+":**\n"+strings.Join(lines, "\n"))
	}

	text("Original Task", c.OriginalPrompt)
	text("Work Summary", c.WorkSummary)
	text("Current State", c.CurrentState)
	list("Key Decisions Made", c.KeyDecisions)
	list("Files Modified", c.FilesModified)
	list("Pending Actions", c.PendingActions)
	list("Previous Errors (avoid repeating)", c.ErrorHistory)
	list("Suggested Next Steps", c.SuggestedNextSteps)
	sections = append(sections, "Please continue from where the previous session left off. Acknowledge the resumption briefly, then proceed with the remaining work.")
	return strings.Join(sections, "\n\n")
}

// ResumedName is the display name of an agent resuming s.
func ResumedName(s ResumedSession) string {
	prompt := []rune(s.OriginalPrompt)
	if len(prompt) > 25 {
		prompt = prompt[:25]
	}
	return "Resumed: " + string(prompt) + "..."
}
