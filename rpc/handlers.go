package rpc

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/orchestrator"
	"github.com/m4xw311/arbor/policy"
)

type handler func(ctx context.Context, params json.RawMessage) (any, error)

func (s *Server) methods() map[string]handler {
	return map[string]handler{
		"initialize":         s.handleInitialize,
		"agent/create":       s.handleCreate,
		"agent/start":        s.handleStart,
		"agent/get":          s.handleGet,
		"agent/list":         s.handleList,
		"agent/templates":    s.handleTemplates,
		"agent/approve":      s.handleApprove,
		"agent/deny":         s.handleDeny,
		"agent/remove":       s.handleRemove,
		"agent/removeAll":    s.handleRemoveAll,
		"agent/suspend":      s.handleSuspend,
		"agent/resume":       s.handleResume,
		"sessions/list":      s.handleSessions,
		"approvals/list":     s.handleApprovals,
		"servers/list":       s.handleServers,
		"servers/configure":  s.handleConfigure,
		"credentials/set":    s.handleCredentialSet,
		"credentials/delete": s.handleCredentialDelete,
		"credentials/has":    s.handleCredentialHas,
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errors.WrapKind(errors.Validation, err, "invalid params")
	}
	return nil
}

type ack struct {
	OK bool `json:"ok"`
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientInfo      json.RawMessage `json:"clientInfo,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{
		"protocolVersion": 1,
		"serverInfo":      map[string]string{"name": "arbor"},
		"capabilities": map[string]bool{
			"approvals":     true,
			"resume":        true,
			"notifications": true,
		},
	}, nil
}

type messageParam struct {
	Role    agent.Role `json:"role"`
	Content string     `json:"content"`
}

// CreateParams are the parameters of agent/create. Instructions may be
// given as text, as content blocks, or both.
type CreateParams struct {
	Name                    string         `json:"name"`
	Instructions            string         `json:"instructions"`
	Prompt                  []contentBlock `json:"prompt,omitempty"`
	Permission              string         `json:"toolPermission"`
	ModelID                 string         `json:"modelId"`
	PersonaID               string         `json:"personaId"`
	PersonaContent          string         `json:"personaContent"`
	ConversationID          string         `json:"conversationId"`
	SourceMessageID         string         `json:"sourceMessageId"`
	SourceMessageContent    string         `json:"sourceMessageContent"`
	ConversationMessages    []messageParam `json:"conversationMessages"`
	IncludeCurrentMessage   bool           `json:"includeCurrentMessage"`
	IncludeParentContext    bool           `json:"includeParentContext"`
	IncludeFullConversation bool           `json:"includeFullConversation"`
	ParentContextDepth      int            `json:"parentContextDepth"`
	WorkingDirectory        string         `json:"workingDirectory"`
	Template                string         `json:"template,omitempty"`
	Start                   bool           `json:"start"`
}

func (p CreateParams) Options() (agent.Options, error) {
	var perm policy.Permission
	if p.Permission != "" {
		var err error
		if perm, err = policy.ParsePermission(p.Permission); err != nil {
			return agent.Options{}, err
		}
	}
	instructions := p.Instructions
	if text := promptText(p.Prompt); text != "" {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += text
	}
	opts := agent.Options{
		Name:                    p.Name,
		Instructions:            instructions,
		Permission:              perm,
		ModelID:                 p.ModelID,
		PersonaID:               p.PersonaID,
		PersonaContent:          p.PersonaContent,
		ConversationID:          p.ConversationID,
		SourceMessageID:         p.SourceMessageID,
		SourceMessageContent:    p.SourceMessageContent,
		IncludeCurrentMessage:   p.IncludeCurrentMessage,
		IncludeParentContext:    p.IncludeParentContext,
		IncludeFullConversation: p.IncludeFullConversation,
		ParentContextDepth:      p.ParentContextDepth,
		WorkingDirectory:        p.WorkingDirectory,
	}
	for _, m := range p.ConversationMessages {
		opts.ConversationMessages = append(opts.ConversationMessages, agent.Message{Role: m.Role, Content: m.Content})
	}
	if p.Template != "" {
		tmpl, err := agent.LookupTemplate(p.Template)
		if err != nil {
			return agent.Options{}, err
		}
		return tmpl.Apply(opts)
	}
	return opts, nil
}

func (s *Server) handleTemplates(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"templates": agent.Templates()}, nil
}

func (s *Server) handleCreate(_ context.Context, params json.RawMessage) (any, error) {
	var p CreateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	opts, err := p.Options()
	if err != nil {
		return nil, err
	}
	a, err := s.orch.Create(opts)
	if err != nil {
		return nil, err
	}
	if p.Start {
		if err := s.orch.Start(a.ID()); err != nil {
			return nil, err
		}
	}
	return a.Snapshot(), nil
}

type agentParams struct {
	AgentID string `json:"agentId"`
	StepID  string `json:"stepId"`
	Reason  string `json:"reason"`
}

func (s *Server) agentParams(params json.RawMessage) (agentParams, error) {
	var p agentParams
	if err := decode(params, &p); err != nil {
		return p, err
	}
	if p.AgentID == "" {
		return p, errors.E(errors.Validation, "agentId is required")
	}
	return p, nil
}

func (s *Server) handleStart(_ context.Context, params json.RawMessage) (any, error) {
	p, err := s.agentParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Start(p.AgentID); err != nil {
		return nil, err
	}
	return ack{OK: true}, nil
}

func (s *Server) handleGet(_ context.Context, params json.RawMessage) (any, error) {
	p, err := s.agentParams(params)
	if err != nil {
		return nil, err
	}
	return s.orch.Get(p.AgentID)
}

func (s *Server) handleList(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"agents": s.orch.List(), "activeAgentId": s.orch.Active()}, nil
}

func (s *Server) handleApprove(_ context.Context, params json.RawMessage) (any, error) {
	p, err := s.agentParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Approve(p.AgentID, p.StepID); err != nil {
		return nil, err
	}
	return ack{OK: true}, nil
}

func (s *Server) handleDeny(_ context.Context, params json.RawMessage) (any, error) {
	p, err := s.agentParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Deny(p.AgentID, p.StepID, p.Reason); err != nil {
		return nil, err
	}
	return ack{OK: true}, nil
}

func (s *Server) handleRemove(_ context.Context, params json.RawMessage) (any, error) {
	p, err := s.agentParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Remove(p.AgentID); err != nil {
		return nil, err
	}
	return ack{OK: true}, nil
}

func (s *Server) handleRemoveAll(context.Context, json.RawMessage) (any, error) {
	s.orch.RemoveAll()
	return ack{OK: true}, nil
}

func (s *Server) handleSuspend(_ context.Context, params json.RawMessage) (any, error) {
	p, err := s.agentParams(params)
	if err != nil {
		return nil, err
	}
	return s.orch.Suspend(p.AgentID)
}

func (s *Server) handleResume(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID  string `json:"sessionId"`
		Permission string `json:"toolPermission"`
		ModelID    string `json:"modelId"`
		Start      bool   `json:"start"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errors.E(errors.Validation, "sessionId is required")
	}
	opts, err := CreateParams{Permission: p.Permission, ModelID: p.ModelID}.Options()
	if err != nil {
		return nil, err
	}
	a, err := s.orch.ResumeSaved(p.SessionID, opts)
	if err != nil {
		return nil, err
	}
	if p.Start {
		if err := s.orch.Start(a.ID()); err != nil {
			return nil, err
		}
	}
	return a.Snapshot(), nil
}

func (s *Server) handleSessions(context.Context, json.RawMessage) (any, error) {
	sessions, err := s.orch.SavedSessions()
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) handleApprovals(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"approvals": s.orch.PendingApprovals()}, nil
}

func (s *Server) handleServers(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"servers": s.orch.Servers()}, nil
}

func (s *Server) handleConfigure(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
		orchestrator.ServerChange
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.orch.ConfigureServer(ctx, p.Name, p.ServerChange); err != nil {
		return nil, err
	}
	return ack{OK: true}, nil
}

type credentialParams struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) credential(params json.RawMessage) (credentialParams, error) {
	var p credentialParams
	if err := decode(params, &p); err != nil {
		return p, err
	}
	if s.creds == nil {
		return p, errors.E(errors.Storage, "secure storage is not available")
	}
	if p.Name == "" {
		return p, errors.E(errors.Validation, "credential name is required")
	}
	return p, nil
}

func (s *Server) handleCredentialSet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := s.credential(params)
	if err != nil {
		return nil, err
	}
	if err := s.creds.Set(ctx, p.Name, p.Value); err != nil {
		return nil, err
	}
	return ack{OK: true}, nil
}

func (s *Server) handleCredentialDelete(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := s.credential(params)
	if err != nil {
		return nil, err
	}
	if err := s.creds.Delete(ctx, p.Name); err != nil {
		return nil, err
	}
	return ack{OK: true}, nil
}

// handleCredentialHas never returns secret values.
func (s *Server) handleCredentialHas(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := s.credential(params)
	if err != nil {
		return nil, err
	}
	ok, err := s.creds.Has(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"has": ok}, nil
}
