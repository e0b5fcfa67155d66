package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/arbor/agent"
)

const (
	maxListItems  = 10
	maxSummaryLen = 500
	charsPerToken = 4
)

// Tools whose arguments name files they change.
var writeTools = map[string][]string{
	"write_file":       {"path"},
	"edit_file":        {"path"},
	"create_directory": {"path"},
	"move_file":        {"source", "destination"},
}

// Capture derives a resumable session from an agent snapshot. files are
// the paths a workspace guard saw change while the agent ran.
func Capture(snap agent.Snapshot, files []string) (ResumedSession, ResumptionContext) {
	ctx := ResumptionContext{
		OriginalPrompt: snap.Config.Instructions,
		WorkSummary:    "No progress was recorded.",
		CurrentState:   fmt.Sprintf("Agent %q was %s after %d completed steps.", snap.Config.Name, snap.Status, snap.StepsCompleted),
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if m := snap.Messages[i]; m.Role == agent.RoleAssistant && m.Content != "" {
			ctx.WorkSummary = truncate(m.Content, maxSummaryLen)
			break
		}
	}

	touched := make(map[string]bool)
	for _, f := range files {
		touched[f] = true
	}
	for _, s := range snap.Steps {
		switch {
		case s.Kind == agent.StepError:
			ctx.ErrorHistory = appendCapped(ctx.ErrorHistory, s.Content)
		case s.ToolCall != nil:
			tc := s.ToolCall
			name := tc.Server + "/" + tc.Name
			switch tc.Status {
			case agent.ToolCompleted:
				ctx.KeyDecisions = appendCapped(ctx.KeyDecisions, "Ran "+name)
				for _, key := range writeTools[tc.Name] {
					if p, ok := tc.Args[key].(string); ok && p != "" {
						touched[p] = true
					}
				}
			case agent.ToolFailed:
				ctx.ErrorHistory = appendCapped(ctx.ErrorHistory, fmt.Sprintf("%s failed: %s", name, tc.Error))
			case agent.ToolDenied:
				ctx.KeyDecisions = appendCapped(ctx.KeyDecisions, "User denied "+name)
			case agent.ToolPending:
				ctx.PendingActions = append(ctx.PendingActions, name+" (awaiting approval)")
			}
		}
	}
	for f := range touched {
		ctx.FilesModified = append(ctx.FilesModified, f)
	}
	sort.Strings(ctx.FilesModified)

	switch {
	case len(ctx.PendingActions) > 0:
		ctx.SuggestedNextSteps = append(ctx.SuggestedNextSteps, "Re-issue the tool calls that were awaiting approval if they are still needed")
	case snap.Status == agent.StatusFailed:
		ctx.SuggestedNextSteps = append(ctx.SuggestedNextSteps, "Find out why the previous session failed before retrying")
	}
	if len(ctx.FilesModified) > 0 {
		ctx.SuggestedNextSteps = append(ctx.SuggestedNextSteps, "Read the modified files to confirm their current contents")
	}
	ctx.SuggestedNextSteps = append(ctx.SuggestedNextSteps, "Verify the work against the original task and finish it")

	chars := len(snap.SystemPrompt)
	for _, m := range snap.Messages {
		chars += len(m.Content)
	}
	ctx.TokenCount = chars / charsPerToken

	now := time.Now()
	sess := ResumedSession{
		ID:             uuid.NewString(),
		ConversationID: snap.Config.ConversationID,
		OriginalPrompt: snap.Config.Instructions,
		Status:         StatusPaused,
		CreatedAt:      snap.CreatedAt,
		UpdatedAt:      now,
		TokenEstimate:  ctx.TokenCount,
		EntryCount:     len(snap.Messages) + len(snap.Steps),
	}
	switch snap.Status {
	case agent.StatusCompleted:
		sess.Status, sess.CompletedAt = StatusCompleted, snap.CompletedAt
	case agent.StatusFailed:
		sess.Status, sess.CompletedAt = StatusCrashed, snap.CompletedAt
	}
	return sess, ctx
}

func appendCapped(list []string, item string) []string {
	if item == "" {
		return list
	}
	list = append(list, truncate(item, maxSummaryLen))
	if len(list) > maxListItems {
		list = list[len(list)-maxListItems:]
	}
	return list
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
