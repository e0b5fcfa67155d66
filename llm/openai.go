package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAI is a client for the OpenAI Chat Completion API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a new OpenAI client. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAI(ctx context.Context, modelName string) (*OpenAI, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.E(errors.Validation, "OPENAI_API_KEY environment variable not set")
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &OpenAI{client: &c, model: modelName}, nil
}

// Submit sends one turn to OpenAI.
func (o *OpenAI) Submit(ctx context.Context, req Request) (*Reply, error) {
	model := o.model
	if req.ModelID != "" {
		model = req.ModelID
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: openaiMessages(req.SystemPrompt, req.Messages),
	}
	for _, t := range uniqueTools(req.Tools) {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(inputSchema(t)),
		}))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to OpenAI")
	}
	if len(resp.Choices) == 0 {
		return &Reply{}, nil
	}

	choice := resp.Choices[0].Message
	reply := &Reply{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			// Arguments are a JSON string; we expect it to be a flat map of arguments.
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal function call arguments from OpenAI")
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, invocation(req, tc.ID, tc.Function.Name, args))
	}
	return reply, nil
}

func openaiMessages(system string, messages []agent.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, t := range turns(messages) {
		if t.role == agent.RoleAssistant {
			out = append(out, openai.AssistantMessage(t.text))
		} else {
			out = append(out, openai.UserMessage(t.text))
		}
	}
	return out
}
