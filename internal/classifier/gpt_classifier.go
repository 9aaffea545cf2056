package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrNoChoices is returned when the completion API answers without choices.
var ErrNoChoices = errors.New("no choices returned from OpenAI")

// ChatCompletionCreator is the part of *openai.Client the completer needs.
type ChatCompletionCreator interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type GPTConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	Temperature    float64
	JSONMode       bool
	RequestTimeout time.Duration
}

// GPTCompleter sends prompts to an OpenAI-compatible chat completion API.
// It is safe for concurrent use.
type GPTCompleter struct {
	client         ChatCompletionCreator
	model          string
	maxTokens      int
	temperature    float64
	jsonMode       bool
	requestTimeout time.Duration
	logger         *zap.Logger
}

func NewGPTCompleter(cfg GPTConfig, logger *zap.Logger) *GPTCompleter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewGPTCompleterWithClient(openai.NewClientWithConfig(clientCfg), cfg, logger)
}

// NewGPTCompleterWithClient builds a completer around an existing client.
func NewGPTCompleterWithClient(client ChatCompletionCreator, cfg GPTConfig, logger *zap.Logger) *GPTCompleter {
	return &GPTCompleter{
		client:         client,
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		jsonMode:       cfg.JSONMode,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}
}

// Complete sends prompt as the only user message and returns the text of the
// first choice.
func (c *GPTCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: float32(c.temperature),
	}
	if c.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	c.logger.Debug("Completion received",
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)))

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *GPTCompleter) String() string {
	return fmt.Sprintf("openai(%s)", c.model)
}
