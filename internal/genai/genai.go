// Package genai wraps the OpenAI chat completions API for the conversation
// engine. It exposes plain text generation and tool-augmented generation
// behind a small interface so flows can be tested with a mock client.
package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4o

// Opts holds configuration options for the GenAI client.
type Opts struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model overrides the default chat model.
	Model string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// ToolFunctionCall carries the function name and raw JSON arguments of a
// single tool invocation requested by the model.
type ToolFunctionCall struct {
	Name      string
	Arguments string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string
	Function ToolFunctionCall
}

// ToolCallResponse is the model's reply to a tool-augmented request: either
// plain content, one or more tool calls, or both.
type ToolCallResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ClientInterface defines the GenAI operations the conversation engine needs.
type ClientInterface interface {
	// GenerateWithMessages produces a plain text completion.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	// GenerateWithTools produces a completion that may request tool calls.
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// Client implements ClientInterface against the OpenAI API.
type Client struct {
	client openai.Client
	model  string
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates a GenAI client with the given options. The API key is
// required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI client API key not set")
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	slog.Debug("GenAI.NewClient: creating client", "model", cfg.Model)
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// GenerateWithMessages produces a plain text completion for the given
// conversation history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	slog.Debug("GenAI.GenerateWithMessages: sending request", "messages", len(messages), "model", c.model)
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    c.model,
	})
	if err != nil {
		slog.Error("GenAI.GenerateWithMessages: request failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools produces a completion with the given tools available. The
// result carries the assistant's text content and any requested tool calls.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	slog.Debug("GenAI.GenerateWithTools: sending request", "messages", len(messages), "tools", len(tools), "model", c.model)
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    c.model,
		Tools:    tools,
	})
	if err != nil {
		slog.Error("GenAI.GenerateWithTools: request failed", "error", err)
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	msg := resp.Choices[0].Message
	result := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: ToolFunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	slog.Debug("GenAI.GenerateWithTools: response received", "toolCalls", len(result.ToolCalls), "hasContent", result.Content != "")
	return result, nil
}
