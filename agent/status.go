package agent

import "github.com/m4xw311/arbor/errors"

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusCreated: {StatusRunning},
	StatusRunning: {StatusWaiting, StatusCompleted, StatusFailed},
	StatusWaiting: {StatusRunning, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolApproved  ToolStatus = "approved"
	ToolDenied    ToolStatus = "denied"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

var toolTransitions = map[ToolStatus][]ToolStatus{
	ToolPending:  {ToolApproved, ToolDenied},
	ToolApproved: {ToolCompleted, ToolFailed},
}

func checkToolTransition(from, to ToolStatus) error {
	if from == to {
		return nil
	}
	for _, s := range toolTransitions[from] {
		if s == to {
			return nil
		}
	}
	if (to == ToolApproved || to == ToolDenied) && from != ToolPending {
		return errors.E(errors.NotPending, "tool call is %s, not pending", from)
	}
	return errors.E(errors.Validation, "tool call cannot move from %s to %s", from, to)
}
