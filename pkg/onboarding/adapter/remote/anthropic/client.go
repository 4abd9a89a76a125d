// Package anthropic implements the remote categorization collaborators on the Anthropic
// Messages API. Every step forces a single tool call whose input is the structured answer.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

const defaultMaxTokens = 1024

// messageService is the subset of the SDK's MessageService the collaborators call.
type messageService interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client sends structured prompts to one model.
type Client struct {
	messages  messageService
	model     string
	maxTokens int64
}

// NewClient creates a Client from the model configuration. SDK-level retries are disabled;
// the retry engine owns backoff.
func NewClient(cfg config.ModelConfig, opts ...option.RequestOption) *Client {
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	client := anthropic.NewClient(reqOpts...)
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{messages: &client.Messages, model: cfg.Model, maxTokens: maxTokens}
}

// answerTool describes the structured answer the model must return.
type answerTool struct {
	Name        string
	Description string
	Properties  map[string]interface{}
	Required    []string
}

func (t answerTool) params() ([]anthropic.ToolUnionParam, anthropic.ToolChoiceUnionParam) {
	tool := anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Properties,
				Required:   t.Required,
			},
		},
	}
	choice := anthropic.ToolChoiceUnionParam{
		OfTool: &anthropic.ToolChoiceToolParam{Name: t.Name},
	}
	return []anthropic.ToolUnionParam{tool}, choice
}

// ask sends messages and decodes the forced tool call into out. It returns the raw answer
// so callers can replay it in a follow-up turn.
func (c *Client) ask(ctx context.Context, step, system string, messages []anthropic.MessageParam, tool answerTool, out interface{}) (json.RawMessage, error) {
	tools, choice := tool.params()
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  choice,
		Temperature: anthropic.Float(0),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, mapError(step, err)
	}
	logger.Debugf("%s: model usage input=%d output=%d stop=%s", step, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.StopReason)

	for _, block := range resp.Content {
		if block.Type != "tool_use" || block.Name != tool.Name {
			continue
		}
		if err := json.Unmarshal(block.Input, out); err != nil {
			return nil, exception.NewModelResponseError(step, "failed to parse model answer", err)
		}
		return block.Input, nil
	}
	return nil, exception.NewModelResponseError(step, fmt.Sprintf("model returned no answer (stop reason %s)", resp.StopReason), nil)
}

func stringArray(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items":       map[string]interface{}{"type": "string"},
	}
}

func stringField(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
