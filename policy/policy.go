// Package policy decides whether a tool call may run without asking the
// user.
package policy

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
)

// Permission is the tool-permission tier configured on an agent.
type Permission string

const (
	// Restricted asks before every call.
	Restricted Permission = "restricted"
	// Standard runs safe calls and asks for the rest.
	Standard Permission = "standard"
	// Autonomous runs safe and moderate calls. Dangerous calls still ask.
	Autonomous Permission = "autonomous"
)

// ParsePermission maps a configured tier to a Permission. The empty string
// is Standard.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case "":
		return Standard, nil
	case Restricted, Standard, Autonomous:
		return Permission(s), nil
	}
	return "", errors.E(errors.Validation, "unknown tool permission %q", s)
}

// RequiresApproval reports whether a call of risk must pause under perm.
// Dangerous calls require approval under every tier.
func RequiresApproval(perm Permission, risk tools.Risk) bool {
	if risk == tools.Dangerous {
		return true
	}
	switch perm {
	case Restricted:
		return true
	case Autonomous:
		return false
	default:
		return risk.Rank() >= tools.Moderate.Rank()
	}
}

type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Block Decision = "block"
)

// Verdict is the outcome of evaluating one call.
type Verdict struct {
	Risk     tools.Risk
	Decision Decision
	Reason   string
}

// Policy holds the configured path and tool restrictions.
type Policy struct {
	hidden  []string
	blocked []string
}

// New validates the configured glob patterns.
func New(cfg config.Policy) (*Policy, error) {
	for _, p := range append(append([]string(nil), cfg.HiddenPaths...), cfg.BlockedTools...) {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.E(errors.Validation, "invalid glob pattern '%s'", p)
		}
	}
	return &Policy{
		hidden:  append([]string(nil), cfg.HiddenPaths...),
		blocked: append([]string(nil), cfg.BlockedTools...),
	}, nil
}

// Evaluate classifies a call. risk is the tier from the owning server's
// table.
func (p *Policy) Evaluate(perm Permission, server, tool string, risk tools.Risk, args map[string]any) Verdict {
	if p.IsToolBlocked(server, tool) {
		return Verdict{Risk: risk, Decision: Block, Reason: fmt.Sprintf("tool %s/%s is blocked by configuration", server, tool)}
	}
	v := Verdict{Risk: risk}
	for _, path := range pathArgs(args) {
		if p.IsPathHidden(path) {
			v.Risk = risk.Escalate()
			v.Reason = fmt.Sprintf("argument %q matches a hidden path", path)
			break
		}
	}
	if RequiresApproval(perm, v.Risk) {
		v.Decision = Ask
	} else {
		v.Decision = Allow
	}
	return v
}

// IsToolBlocked matches "server/tool" against the blocked patterns.
func (p *Policy) IsToolBlocked(server, tool string) bool {
	name := server + "/" + tool
	for _, pattern := range p.blocked {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// IsPathHidden checks if a path matches any of the hidden glob patterns.
func (p *Policy) IsPathHidden(path string) bool {
	path = filepath.ToSlash(filepath.Clean(path))
	for _, pattern := range p.hidden {
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}

var pathKeys = []string{"path", "paths", "source", "destination", "file", "directory"}

func pathArgs(args map[string]any) []string {
	var out []string
	for _, k := range pathKeys {
		switch v := args[k].(type) {
		case string:
			out = append(out, v)
		case []string:
			out = append(out, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
