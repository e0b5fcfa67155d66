package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/tools"
)

func TestTurns(t *testing.T) {
	msgs := []agent.Message{
		{Role: agent.RoleAssistant, Content: "earlier reply"},
		{Role: agent.RoleUser, Content: "task"},
		{Role: agent.RoleUser, Content: ""},
		{Role: agent.RoleAssistant, Content: "a"},
		{Role: agent.RoleAssistant, Content: "b"},
		{Role: agent.RoleUser, Content: "result"},
	}
	got := turns(msgs)
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d: %+v", len(got), got)
	}
	if got[0].role != agent.RoleUser || !strings.Contains(got[0].text, "earlier reply") || !strings.HasSuffix(got[0].text, "task") {
		t.Errorf("leading assistant turn not folded into user turn: %+v", got[0])
	}
	if got[1].role != agent.RoleAssistant || got[1].text != "a\n\nb" {
		t.Errorf("consecutive assistant turns not merged: %+v", got[1])
	}
}

func TestUniqueTools(t *testing.T) {
	got := uniqueTools([]tools.ToolInfo{
		{Server: "filesystem", Name: "read_file"},
		{Server: "other", Name: "read_file"},
		{Server: "memory", Name: "search_nodes"},
	})
	if len(got) != 2 || got[0].Server != "filesystem" {
		t.Errorf("uniqueTools() = %+v", got)
	}
}

func TestInvocationFillsServer(t *testing.T) {
	req := Request{Tools: []tools.ToolInfo{{Server: "filesystem", Name: "read_file"}}}
	inv := invocation(req, "c1", "read_file", nil)
	if inv.Server != "filesystem" || inv.Args == nil {
		t.Errorf("invocation() = %+v", inv)
	}
	if inv := invocation(req, "c2", "nope", nil); inv.Server != "" {
		t.Errorf("unknown tool got server %q", inv.Server)
	}
}

func TestBedrockRequest(t *testing.T) {
	body, err := bedrockRequest(
		bedrockMessages([]agent.Message{{Role: agent.RoleUser, Content: "Hello, world!"}}),
		"be brief",
		[]tools.ToolInfo{{Name: "read_file", Description: "Read a file"}},
	)
	if err != nil {
		t.Fatalf("bedrockRequest: %v", err)
	}
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if req["anthropic_version"] != "bedrock-2023-05-31" || req["system"] != "be brief" {
		t.Errorf("unexpected request header fields: %v", req)
	}
	defs, ok := req["tools"].([]any)
	if !ok || len(defs) != 1 {
		t.Fatalf("expected 1 tool, got %v", req["tools"])
	}
	schema := defs[0].(map[string]any)["input_schema"].(map[string]any)
	if schema["type"] != "object" {
		t.Errorf("default schema = %v", schema)
	}
	msgs := req["messages"].([]any)
	if msgs[0].(map[string]any)["role"] != "user" {
		t.Errorf("unexpected message %v", msgs[0])
	}
}

func TestBedrockReply(t *testing.T) {
	req := Request{Tools: []tools.ToolInfo{{Server: "filesystem", Name: "read_file"}}}
	body := `{"content":[
		{"type":"thinking","thinking":"look first"},
		{"type":"text","text":"Reading."},
		{"type":"tool_use","id":"tu_1","name":"read_file","input":{"path":"a.go"}},
		{"type":"tool_use","name":"write_file","input":{}}
	]}`
	reply, err := bedrockReply(req, []byte(body))
	if err != nil {
		t.Fatalf("bedrockReply: %v", err)
	}
	if reply.Content != "Reading." || reply.Thinking != "look first" {
		t.Errorf("unexpected reply %+v", reply)
	}
	if len(reply.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(reply.ToolCalls))
	}
	if c := reply.ToolCalls[0]; c.ID != "tu_1" || c.Server != "filesystem" || c.Args["path"] != "a.go" {
		t.Errorf("first call = %+v", c)
	}
	if c := reply.ToolCalls[1]; c.ID != "call_3_write_file" {
		t.Errorf("generated id = %q", c.ID)
	}

	if _, err := bedrockReply(req, []byte(`{"error":"throttled"}`)); err == nil {
		t.Error("expected error for error response")
	}
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "file"},
			"paths": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"mode":  map[string]any{"type": "string", "enum": []any{"r", "w"}},
			"n":     map[string]any{"type": "integer"},
		},
		"required": []any{"path"},
	})
	if s.Type != genai.TypeObject || len(s.Properties) != 4 {
		t.Fatalf("unexpected schema %+v", s)
	}
	if p := s.Properties["paths"]; p.Type != genai.TypeArray || p.Items.Type != genai.TypeString {
		t.Errorf("array schema = %+v", p)
	}
	if p := s.Properties["mode"]; len(p.Enum) != 2 {
		t.Errorf("enum = %v", p.Enum)
	}
	if len(s.Required) != 1 || s.Required[0] != "path" {
		t.Errorf("required = %v", s.Required)
	}
}

func TestScripted(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	m := NewScripted(
		ScriptedReply{Reply: &Reply{Content: "first"}},
		ScriptedReply{Err: boom},
	)
	r, err := m.Submit(ctx, Request{AgentID: "a1"})
	if err != nil || r.Content != "first" {
		t.Fatalf("first reply = %+v, %v", r, err)
	}
	if _, err := m.Submit(ctx, Request{AgentID: "a1"}); err != boom {
		t.Fatalf("expected scripted error, got %v", err)
	}
	r, err = m.Submit(ctx, Request{AgentID: "a1"})
	if err != nil || !strings.Contains(r.Content, "TASK COMPLETED") {
		t.Errorf("exhausted script reply = %+v, %v", r, err)
	}
	if n := len(m.Requests()); n != 3 {
		t.Errorf("recorded %d requests", n)
	}
}

func TestNew(t *testing.T) {
	m, err := New(context.Background(), config.Model{Provider: "mock"})
	if err != nil {
		t.Fatalf("New(mock): %v", err)
	}
	r, err := m.Submit(context.Background(), Request{
		Messages: []agent.Message{{Role: agent.RoleUser, Content: "hi"}},
		Tools:    []tools.ToolInfo{{Name: "read_file"}},
	})
	if err != nil || !strings.Contains(r.Content, "hi") || !strings.Contains(r.Content, "read_file") {
		t.Errorf("echo reply = %+v, %v", r, err)
	}
	if _, err := New(context.Background(), config.Model{Provider: "nope"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
