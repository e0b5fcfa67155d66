package orchestrator

import (
	"context"
	"fmt"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/llm"
	"go.uber.org/zap"
)

// run drives one agent: model turn, tool calls, results back to the model,
// until the model stops calling tools or something fails.
func (o *Orchestrator) run(ctx context.Context, e *entry) {
	defer close(e.done)
	defer o.settle(e)
	a := e.agent
	log := o.log.With(zap.String("agent", a.ID()))
	log.Info("agent started")

	for turn := 0; ; turn++ {
		if ctx.Err() != nil || !o.alive(a) {
			return
		}
		if turn >= o.opts.MaxTurns {
			o.fail(a, fmt.Sprintf("turn limit of %d reached", o.opts.MaxTurns))
			return
		}

		cfg := a.Config()
		reply, err := o.model.Submit(ctx, llm.Request{
			AgentID:      a.ID(),
			ModelID:      cfg.ModelID,
			SystemPrompt: a.SystemPrompt(),
			Messages:     a.Messages(),
			Tools:        o.registry.Catalog(),
		})
		if ctx.Err() != nil || !o.alive(a) {
			return
		}
		if err != nil {
			log.Error("model turn failed", zap.Error(err))
			o.fail(a, fmt.Sprintf("model error: %v", err))
			return
		}

		if reply.Thinking != "" {
			o.appendStep(a, agent.Step{Kind: agent.StepThinking, Content: reply.Thinking})
		}
		if reply.Content != "" {
			a.AppendMessage(agent.RoleAssistant, reply.Content)
			o.appendStep(a, agent.Step{Kind: agent.StepMessage, Content: reply.Content})
		}
		if len(reply.ToolCalls) == 0 {
			if err := a.UpdateStatus(agent.StatusCompleted, ""); err != nil {
				log.Warn("could not complete agent", zap.Error(err))
			}
			log.Info("agent completed", zap.Int("turns", turn+1))
			return
		}

		results := make([]<-chan outcome, len(reply.ToolCalls))
		for i, inv := range reply.ToolCalls {
			results[i] = o.route(ctx, a, inv)
		}
		for _, ch := range results {
			var out outcome
			select {
			case out = <-ch:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil || !o.alive(a) {
				return
			}
			if out.err != nil {
				log.Error("tool call failed the agent", zap.String("tool", out.tool), zap.Error(out.err))
				o.fail(a, out.err.Error())
				return
			}
			o.appendStep(a, agent.Step{Kind: agent.StepToolResult, Content: out.text})
			a.AppendMessage(agent.RoleUser, fmt.Sprintf("Result of tool %s:\n%s", out.tool, out.text))
		}
	}
}

func (o *Orchestrator) appendStep(a *agent.Agent, s agent.Step) {
	if _, err := a.AppendStep(s); err != nil {
		o.log.Warn("could not record step", zap.String("agent", a.ID()), zap.Error(err))
	}
}

// settle stops the calls still in flight when the model loop returns. Calls
// left waiting for approval on a finished agent are denied.
func (o *Orchestrator) settle(e *entry) {
	if e.cancel != nil {
		e.cancel()
	}
	a := e.agent
	if !a.Status().Terminal() {
		return
	}
	o.gate.drop(a.ID())
	result := deniedResult("agent " + string(a.Status()))
	for _, s := range a.PendingSteps() {
		if _, err := a.UpdateStep(s.ID, agent.StepUpdate{Status: agent.ToolDenied, Result: &result}); err != nil {
			o.log.Debug("could not deny leftover call", zap.String("agent", a.ID()), zap.String("step", s.ID), zap.Error(err))
		}
	}
}

// fail records errText as an error step and fails the agent.
func (o *Orchestrator) fail(a *agent.Agent, errText string) {
	o.appendStep(a, agent.Step{Kind: agent.StepError, Content: errText})
	if err := a.UpdateStatus(agent.StatusFailed, errText); err != nil {
		o.log.Warn("could not fail agent", zap.String("agent", a.ID()), zap.Error(err))
	}
}
