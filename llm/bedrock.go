package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
)

// Bedrock is a client for the Anthropic models on AWS Bedrock.
type Bedrock struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// NewBedrock creates a new Bedrock client.
// It requires AWS credentials to be configured in the environment.
func NewBedrock(ctx context.Context, modelID string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg.Region = region

	var opts []func(*bedrockruntime.Options)
	// Custom endpoint, useful for testing.
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	return &Bedrock{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
		region:  region,
	}, nil
}

// Submit sends one turn to the Anthropic model via AWS Bedrock.
func (b *Bedrock) Submit(ctx context.Context, req Request) (*Reply, error) {
	modelID := b.modelID
	if req.ModelID != "" {
		modelID = req.ModelID
	}
	body, err := bedrockRequest(bedrockMessages(req.Messages), req.SystemPrompt, req.Tools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	return bedrockReply(req, resp.Body)
}

func bedrockMessages(messages []agent.Message) []map[string]any {
	var out []map[string]any
	for _, t := range turns(messages) {
		out = append(out, map[string]any{
			"role": string(t.role),
			"content": []map[string]any{
				{"type": "text", "text": t.text},
			},
		})
	}
	return out
}

// bedrockRequest creates the request body for Anthropic models on Bedrock.
func bedrockRequest(messages []map[string]any, systemPrompt string, available []tools.ToolInfo) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if ts := uniqueTools(available); len(ts) > 0 {
		var defs []map[string]any
		for _, t := range ts {
			defs = append(defs, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": inputSchema(t),
			})
		}
		request["tools"] = defs
	}
	return json.Marshal(request)
}

func bedrockReply(req Request, body []byte) (*Reply, error) {
	var response struct {
		Error   any `json:"error"`
		Content []struct {
			Type     string         `json:"type"`
			Text     string         `json:"text"`
			Thinking string         `json:"thinking"`
			ID       string         `json:"id"`
			Name     string         `json:"name"`
			Input    map[string]any `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return nil, errors.New("Bedrock API error: %v", response.Error)
	}

	reply := &Reply{}
	for i, item := range response.Content {
		switch item.Type {
		case "text":
			reply.Content += item.Text
		case "thinking":
			reply.Thinking += item.Thinking
		case "tool_use":
			id := item.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, item.Name)
			}
			reply.ToolCalls = append(reply.ToolCalls, invocation(req, id, item.Name, item.Input))
		}
	}
	return reply, nil
}
