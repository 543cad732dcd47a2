// Package llm adapts remote model backends to the small interfaces the
// analysis pipeline consumes.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/bdougie/vision/internal/retry"
)

// Image encodings accepted by OpenAI compatible endpoints
const (
	ImageFormatDataURL = "data_url"
	ImageFormatBase64  = "base64"
)

// Message is one turn of a chat conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIConfig configures an OpenAI compatible endpoint
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	VisionModel       string
	VisionTemperature float32
	VisionTopP        float32
	ImageFormat       string

	TextModel       string
	TextTemperature float32

	EmbeddingModel string
}

// OpenAI talks to any endpoint that speaks the OpenAI chat completion API
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAI creates a client with bearer authentication against cfg.BaseURL
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.ImageFormat == "" {
		cfg.ImageFormat = ImageFormatDataURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger,
	}
}

// Describe sends one JPEG image and an instruction to the vision model
func (o *OpenAI) Describe(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.cfg.VisionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: o.imageURL(jpeg)},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
				},
			},
		},
		Temperature: o.cfg.VisionTemperature,
		TopP:        o.cfg.VisionTopP,
	}
	return o.complete(ctx, req)
}

// Generate sends a single text prompt to the text model
func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	return o.Chat(ctx, []Message{{Role: openai.ChatMessageRoleUser, Content: prompt}})
}

// Chat sends a conversation to the text model and returns the reply
func (o *OpenAI) Chat(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.cfg.TextModel,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: o.cfg.TextTemperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return o.complete(ctx, req)
}

// Embed returns one vector per input text, in input order
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", classify(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

func (o *OpenAI) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion with %s: %w", req.Model, classify(err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion with %s: no choices in response", req.Model)
	}

	o.logger.Debug("chat completion finished",
		"model", req.Model,
		"duration", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) imageURL(jpeg []byte) string {
	encoded := base64.StdEncoding.EncodeToString(jpeg)
	if o.cfg.ImageFormat == ImageFormatBase64 {
		return encoded
	}
	return "data:image/jpeg;base64," + encoded
}

// classify turns HTTP status failures into retry.ClientError so callers can
// decide whether to try again.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &retry.ClientError{Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &retry.ClientError{Code: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return err
}
