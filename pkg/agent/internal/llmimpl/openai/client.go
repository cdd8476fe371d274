// Package openai provides OpenAI client implementation using the official OpenAI Go package.
package openai

import (
	"context"
	"fmt"

	openaigo "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"conductor/pkg/agent/llm"
	"conductor/pkg/config"
)

// Client wraps the official OpenAI Go client to implement llm.LLMClient interface.
//
//nolint:govet // Simple client struct, logical grouping preferred
type Client struct {
	client openaigo.Client
	model  string
}

// NewClient creates a new OpenAI client using the official Go package (raw client, middleware applied at higher level).
func NewClient(apiKey string) llm.LLMClient {
	return NewClientWithModel(apiKey, config.ModelGPT5)
}

// NewClientWithModel creates a new OpenAI client with specific model using the official package (raw client, middleware applied at higher level).
func NewClientWithModel(apiKey, model string) llm.LLMClient {
	client := openaigo.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client: client,
		model:  model,
	}
}

// Complete implements the llm.LLMClient interface using the Responses API.
//
//nolint:gocritic // CompletionRequest is small but passing by value matches interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	// Combine messages into a single input string for responses API
	var inputText string
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			inputText += fmt.Sprintf("System: %s\n\n", msg.Content)
		case llm.RoleUser:
			inputText += msg.Content
		case llm.RoleAssistant:
			inputText += fmt.Sprintf("Assistant: %s\n\n", msg.Content)
		}
	}

	// Cap MaxTokens to model's actual limit to prevent API errors
	maxTokens := in.MaxTokens
	if modelInfo, exists := config.KnownModels[o.model]; exists && modelInfo.MaxOutputTokens > 0 {
		if maxTokens > modelInfo.MaxOutputTokens {
			maxTokens = modelInfo.MaxOutputTokens
		}
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openaigo.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openaigo.String(inputText)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("OpenAI Responses API failed: %w", err)
	}

	if resp == nil {
		return llm.CompletionResponse{}, fmt.Errorf("empty response from OpenAI Responses API")
	}

	content := resp.OutputText()

	return llm.CompletionResponse{
		Content: content,
	}, nil
}

// Stream implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is small but passing by value matches interface
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	// Buffered pseudo-stream: complete the request, then emit the content as one chunk.
	ch := make(chan llm.StreamChunk, 2)
	resp, err := o.Complete(ctx, in)
	if err != nil {
		close(ch)
		return nil, err
	}
	ch <- llm.StreamChunk{Content: resp.Content}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}
