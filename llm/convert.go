package llm

import (
	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/tools"
)

type turn struct {
	role agent.Role
	text string
}

// turns merges consecutive messages of the same role and relabels leading
// assistant messages as user context, since providers want a conversation
// that starts with the user and alternates.
func turns(messages []agent.Message) []turn {
	var out []turn
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		role, text := m.Role, m.Content
		if len(out) == 0 && role == agent.RoleAssistant {
			role, text = agent.RoleUser, "Earlier assistant message:\n"+text
		}
		if n := len(out); n > 0 && out[n-1].role == role {
			out[n-1].text += "\n\n" + text
			continue
		}
		out = append(out, turn{role: role, text: text})
	}
	return out
}

// uniqueTools keeps the first tool of each name. Models address tools by
// bare name, and the registry resolves a name to its first enabled owner.
func uniqueTools(ts []tools.ToolInfo) []tools.ToolInfo {
	seen := make(map[string]bool, len(ts))
	var out []tools.ToolInfo
	for _, t := range ts {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out
}

func inputSchema(t tools.ToolInfo) map[string]any {
	if len(t.InputSchema) > 0 {
		return t.InputSchema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func invocation(req Request, id, name string, args map[string]any) ToolInvocation {
	inv := ToolInvocation{ID: id, Tool: name, Args: args}
	for _, t := range req.Tools {
		if t.Name == name {
			inv.Server = t.Server
			break
		}
	}
	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	return inv
}
