package orchestrator

import (
	"sync"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/policy"
	"github.com/m4xw311/arbor/tools"
	"go.uber.org/zap"
)

// PendingCall is a routed tool call. Calls that need approval are parked
// in the gate until the user decides.
type PendingCall struct {
	AgentID  string
	StepID   string
	CallID   string
	Server   string
	Tool     string
	Args     map[string]any
	Risk     tools.Risk
	Decision policy.Decision

	gateApproved bool
	decided      chan decision
}

type decision struct {
	approved bool
	reason   string
}

type gate struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
}

func newGate() *gate {
	return &gate{calls: make(map[string]*PendingCall)}
}

func gateKey(agentID, stepID string) string { return agentID + "/" + stepID }

func (g *gate) park(pc *PendingCall) {
	g.mu.Lock()
	g.calls[gateKey(pc.AgentID, pc.StepID)] = pc
	g.mu.Unlock()
}

func (g *gate) take(agentID, stepID string) *PendingCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := gateKey(agentID, stepID)
	pc := g.calls[k]
	delete(g.calls, k)
	return pc
}

// drop forgets every call of a removed agent.
func (g *gate) drop(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, pc := range g.calls {
		if pc.AgentID == agentID {
			delete(g.calls, k)
		}
	}
}

// Approve lets a pending call run. The step's own transition decides
// idempotence: a second decision fails with NotPending and changes
// nothing.
func (o *Orchestrator) Approve(agentID, stepID string) error {
	e, err := o.lookup(agentID)
	if err != nil {
		return err
	}
	if st := e.agent.Status(); st.Terminal() {
		return errors.E(errors.NotPending, "agent %s is %s", agentID, st)
	}
	if _, err := e.agent.UpdateStep(stepID, agent.StepUpdate{Status: agent.ToolApproved}); err != nil {
		return err
	}
	if pc := o.gate.take(agentID, stepID); pc != nil {
		pc.gateApproved = true
		pc.decided <- decision{approved: true}
	}
	o.log.Info("tool call approved", zap.String("agent", agentID), zap.String("step", stepID))
	return nil
}

// Deny rejects a pending call. The model sees "Permission denied: reason"
// as the call's result.
func (o *Orchestrator) Deny(agentID, stepID, reason string) error {
	e, err := o.lookup(agentID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "denied by user"
	}
	result := deniedResult(reason)
	if _, err := e.agent.UpdateStep(stepID, agent.StepUpdate{Status: agent.ToolDenied, Result: &result}); err != nil {
		return err
	}
	if pc := o.gate.take(agentID, stepID); pc != nil {
		pc.decided <- decision{reason: reason}
	}
	o.log.Info("tool call denied", zap.String("agent", agentID), zap.String("step", stepID), zap.String("reason", reason))
	return nil
}

func deniedResult(reason string) string {
	return "Permission denied: " + reason
}

// Approval is a tool call waiting for the user.
type Approval struct {
	AgentID   string     `json:"agentId"`
	AgentName string     `json:"agentName"`
	Step      agent.Step `json:"step"`
}

// PendingApprovals lists the waiting calls of every agent, oldest agent
// first and current call first within an agent.
func (o *Orchestrator) PendingApprovals() []Approval {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.order))
	for _, id := range o.order {
		entries = append(entries, o.agents[id])
	}
	o.mu.RUnlock()

	var out []Approval
	for _, e := range entries {
		name := e.agent.Config().Name
		for _, s := range e.agent.PendingSteps() {
			out = append(out, Approval{AgentID: e.agent.ID(), AgentName: name, Step: s})
		}
	}
	return out
}
