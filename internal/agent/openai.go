package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are a helpful assistant."

// OpenAI sends the rendered prompt as a single user message to a chat completion
// endpoint and returns the first choice.
type OpenAI struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	timeout      time.Duration
}

func NewOpenAI(def config.AgentDefinition, defaults config.DefaultsConfig) (*OpenAI, error) {
	apiKey := cmp.Or(def.APIKey, defaults.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai agent: no api key (set api_key or OPENAI_API_KEY)")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := cmp.Or(def.BaseURL, defaults.BaseURL); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		model:        cmp.Or(def.Model, defaults.Model, openai.GPT4oMini),
		systemPrompt: cmp.Or(def.SystemPrompt, defaultSystemPrompt),
		maxTokens:    def.MaxTokens,
		timeout:      def.Timeout,
	}, nil
}

func (o *OpenAI) Execute(ctx context.Context, input string) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	}
	if o.maxTokens > 0 {
		req.MaxCompletionTokens = o.maxTokens
	}

	slog.Debug("openai request", "model", o.model)
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	slog.Debug("openai response", "model", o.model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
