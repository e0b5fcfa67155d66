package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
)

// Anthropic is a client for the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates a new Anthropic client.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropic(ctx context.Context, modelName string) (*Anthropic, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.E(errors.Validation, "ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &Anthropic{client: &client, model: modelName}, nil
}

// Submit sends one turn to the Anthropic API.
func (a *Anthropic) Submit(ctx context.Context, req Request) (*Reply, error) {
	model := a.model
	if req.ModelID != "" {
		model = req.ModelID
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages:  anthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range uniqueTools(req.Tools) {
		schema := inputSchema(t)
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
		}
		if req, ok := schema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					tool.InputSchema.Required = append(tool.InputSchema.Required, s)
				}
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}

	reply := &Reply{}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Content += c.Text
		case anthropic.ThinkingBlock:
			reply.Thinking += c.Thinking
		case anthropic.ToolUseBlock:
			var args map[string]any
			if len(c.Input) > 0 {
				if err := json.Unmarshal(c.Input, &args); err != nil {
					return nil, errors.Wrapf(err, "failed to unmarshal tool call input")
				}
			}
			reply.ToolCalls = append(reply.ToolCalls, invocation(req, c.ID, c.Name, args))
		}
	}
	return reply, nil
}

func anthropicMessages(messages []agent.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, t := range turns(messages) {
		if t.role == agent.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.text)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(t.text)))
		}
	}
	return out
}
