package agent

import (
	"strings"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/policy"
)

// Template is a built-in preset for creating an agent.
type Template struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Instructions      string            `json:"instructions"`
	Permission        policy.Permission `json:"toolPermission"`
	Tags              []string          `json:"tags"`
	RequiresDirectory bool              `json:"requiresDirectory"`
}

var templates = []Template{
	{
		ID:           "general-assistant",
		Name:         "General Assistant",
		Description:  "A versatile assistant for various coding tasks",
		Instructions: "You are a helpful coding assistant. Please help the user with their request.",
		Permission:   policy.Standard,
		Tags:         []string{"general", "helper"},
	},
	{
		ID:           "code-refactor",
		Name:         "Code Refactor",
		Description:  "Improve code quality and maintainability",
		Instructions: "Analyze the provided code and suggest improvements for readability, performance, and structure. Apply best practices.",
		Permission:   policy.Standard,
		Tags:         []string{"refactor", "cleanup"},
	},
	{
		ID:                "bug-fixer",
		Name:              "Bug Fixer",
		Description:       "Identify and resolve code issues",
		Instructions:      "Analyze the error or issue description. Locate the source of the bug and implement a fix. Verify the fix if possible.",
		Permission:        policy.Standard,
		Tags:              []string{"debug", "fix"},
		RequiresDirectory: true,
	},
	{
		ID:                "documentation",
		Name:              "Documentation",
		Description:       "Generate or improve documentation",
		Instructions:      "Review the code and generate comprehensive documentation, including comments, README updates, or API references.",
		Permission:        policy.Standard,
		Tags:              []string{"docs", "writing"},
		RequiresDirectory: true,
	},
}

// Templates returns the built-in presets.
func Templates() []Template {
	out := make([]Template, len(templates))
	for i, t := range templates {
		t.Tags = append([]string(nil), t.Tags...)
		out[i] = t
	}
	return out
}

// LookupTemplate finds a preset by id.
func LookupTemplate(id string) (Template, error) {
	for _, t := range Templates() {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, errors.E(errors.Validation, "unknown agent template %q", id)
}

// Apply fills opts from the template. The template's instructions come
// before the caller's task; an explicit permission wins over the preset.
func (t Template) Apply(opts Options) (Options, error) {
	if t.RequiresDirectory && strings.TrimSpace(opts.WorkingDirectory) == "" {
		return opts, errors.E(errors.Validation, "template %s requires a working directory", t.ID)
	}
	if task := strings.TrimSpace(opts.Instructions); task != "" {
		opts.Instructions = t.Instructions + "\n\n" + task
	} else {
		opts.Instructions = t.Instructions
	}
	if opts.Permission == "" {
		opts.Permission = t.Permission
	}
	return opts, nil
}
