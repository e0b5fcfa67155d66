package orchestrator

import (
	"context"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/llm"
	"github.com/m4xw311/arbor/policy"
	"go.uber.org/zap"
)

// outcome is what the model is told about one tool call. err is set when
// the failure ends the agent's run.
type outcome struct {
	tool string
	text string
	err  error
}

// route classifies inv and records it as a tool_call step. Allowed calls
// are dispatched at once, blocked calls are denied, and the rest wait in
// the gate. The returned channel yields exactly one outcome.
func (o *Orchestrator) route(ctx context.Context, a *agent.Agent, inv llm.ToolInvocation) <-chan outcome {
	ch := make(chan outcome, 1)

	server := inv.Server
	if server == "" {
		server, _ = o.registry.Resolve(inv.Tool)
	}
	risk := o.registry.Classify(server, inv.Tool)
	v := o.policy.Evaluate(a.Config().Permission, server, inv.Tool, risk, inv.Args)

	pc := &PendingCall{
		AgentID:  a.ID(),
		StepID:   o.ids.Step(),
		CallID:   inv.ID,
		Server:   server,
		Tool:     inv.Tool,
		Args:     inv.Args,
		Risk:     v.Risk,
		Decision: v.Decision,
		decided:  make(chan decision, 1),
	}
	tc := &agent.ToolCall{CallID: inv.ID, Server: server, Name: inv.Tool, Args: inv.Args, Risk: v.Risk}
	step := agent.Step{ID: pc.StepID, Kind: agent.StepToolCall, Content: callName(server, inv.Tool), ToolCall: tc}
	log := o.log.With(zap.String("agent", a.ID()), zap.String("server", server), zap.String("tool", inv.Tool))

	switch v.Decision {
	case policy.Block:
		tc.Status = agent.ToolDenied
		tc.Result = deniedResult(v.Reason)
		if _, err := a.AppendStep(step); err != nil {
			ch <- outcome{tool: inv.Tool, err: err}
			return ch
		}
		log.Info("tool call blocked", zap.String("reason", v.Reason))
		ch <- outcome{tool: inv.Tool, text: tc.Result}

	case policy.Allow:
		tc.Status = agent.ToolApproved
		if _, err := a.AppendStep(step); err != nil {
			ch <- outcome{tool: inv.Tool, err: err}
			return ch
		}
		log.Debug("tool call allowed", zap.String("risk", string(v.Risk)))
		go func() { ch <- o.execute(ctx, a, pc) }()

	default:
		tc.Status = agent.ToolPending
		o.gate.park(pc)
		if _, err := a.AppendStep(step); err != nil {
			o.gate.take(pc.AgentID, pc.StepID)
			ch <- outcome{tool: inv.Tool, err: err}
			return ch
		}
		log.Info("tool call awaiting approval", zap.String("risk", string(v.Risk)), zap.String("step", pc.StepID))
		go func() {
			select {
			case d := <-pc.decided:
				if ctx.Err() != nil {
					ch <- outcome{tool: inv.Tool, err: ctx.Err()}
					return
				}
				if !d.approved {
					ch <- outcome{tool: inv.Tool, text: deniedResult(d.reason)}
					return
				}
				ch <- o.execute(ctx, a, pc)
			case <-ctx.Done():
				ch <- outcome{tool: inv.Tool, err: ctx.Err()}
			}
		}()
	}
	return ch
}

// execute dispatches an approved call and records its result on the step.
func (o *Orchestrator) execute(ctx context.Context, a *agent.Agent, pc *PendingCall) outcome {
	result, err := o.dispatch(ctx, pc)
	if !o.alive(a) {
		o.log.Debug("dropping tool result for removed agent", zap.String("agent", pc.AgentID), zap.String("step", pc.StepID))
		return outcome{tool: pc.Tool, err: context.Canceled}
	}
	if err != nil {
		msg := err.Error()
		if _, uerr := a.UpdateStep(pc.StepID, agent.StepUpdate{Status: agent.ToolFailed, Error: &msg}); uerr != nil {
			o.log.Warn("could not record tool failure", zap.String("step", pc.StepID), zap.Error(uerr))
		}
		if errors.Fatal(err) {
			return outcome{tool: pc.Tool, err: err}
		}
		return outcome{tool: pc.Tool, text: "Error: " + msg}
	}
	if _, err := a.UpdateStep(pc.StepID, agent.StepUpdate{Status: agent.ToolCompleted, Result: &result}); err != nil {
		o.log.Warn("could not record tool result", zap.String("step", pc.StepID), zap.Error(err))
	}
	return outcome{tool: pc.Tool, text: result}
}

// dispatch sends a call to its tool server. Calls that needed approval
// only run once the gate approved them.
func (o *Orchestrator) dispatch(ctx context.Context, pc *PendingCall) (string, error) {
	switch {
	case pc.Decision == policy.Block:
		return "", errors.E(errors.PolicyViolation, "tool %s is blocked", callName(pc.Server, pc.Tool))
	case pc.Decision != policy.Allow && !pc.gateApproved:
		return "", errors.E(errors.PolicyViolation, "tool %s requires approval", callName(pc.Server, pc.Tool))
	case pc.Server == "":
		return "", errors.E(errors.ToolExecution, "no enabled tool server provides %q", pc.Tool)
	case o.dispatcher == nil:
		return "", errors.E(errors.ToolServerUnavailable, "no tool servers are running")
	}
	return o.dispatcher.Call(ctx, pc.Server, pc.Tool, pc.Args)
}

func callName(server, tool string) string {
	if server == "" {
		return tool
	}
	return server + "/" + tool
}
