package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"google.golang.org/api/option"
)

// Gemini is a client for the Google Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a new Gemini client.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGemini(ctx context.Context, modelName string) (*Gemini, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.E(errors.Validation, "GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &Gemini{client: client, model: modelName}, nil
}

// Submit sends one turn to the Gemini API. A GenerativeModel is built per
// call since its tool list and system instruction are per agent.
func (g *Gemini) Submit(ctx context.Context, req Request) (*Reply, error) {
	name := g.model
	if req.ModelID != "" {
		name = req.ModelID
	}
	model := g.client.GenerativeModel(name)
	if req.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}
	if ts := uniqueTools(req.Tools); len(ts) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range ts {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(inputSchema(t)),
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	history := geminiContents(req.Messages)
	// The last user turn is the new prompt.
	prompt := []genai.Part{genai.Text("Continue.")}
	if n := len(history); n > 0 && history[n-1].Role == "user" {
		prompt = history[n-1].Parts
		history = history[:n-1]
	}
	chat := model.StartChat()
	chat.History = history
	resp, err := chat.SendMessage(ctx, prompt...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}

	reply := &Reply{}
	for i, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			reply.Content += string(v)
		case genai.FunctionCall:
			reply.ToolCalls = append(reply.ToolCalls, invocation(req, fmt.Sprintf("call_%d_%s", i, v.Name), v.Name, v.Args))
		}
	}
	return reply, nil
}

func geminiContents(messages []agent.Message) []*genai.Content {
	var contents []*genai.Content
	for _, t := range turns(messages) {
		role := "user"
		if t.role == agent.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.text)}})
	}
	return contents
}

// geminiSchema converts a JSON schema object to genai's schema type.
// Unsupported keywords are ignored.
func geminiSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	switch m["type"] {
	case "string":
		s.Type = genai.TypeString
		for _, e := range anySlice(m["enum"]) {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if items, ok := m["items"].(map[string]any); ok {
			s.Items = geminiSchema(items)
		} else {
			s.Items = &genai.Schema{Type: genai.TypeString}
		}
	default:
		s.Type = genai.TypeObject
		if props, ok := m["properties"].(map[string]any); ok {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for k, v := range props {
				if pm, ok := v.(map[string]any); ok {
					s.Properties[k] = geminiSchema(pm)
				}
			}
		}
		for _, r := range anySlice(m["required"]) {
			if str, ok := r.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	return s
}

func anySlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return nil
}
