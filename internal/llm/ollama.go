package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama/client"
	"github.com/go-logr/logr"
)

var errNoMessages = errors.New("no response messages received from model")

const describeSystemPrompt = "You are a visual analysis assistant. You focus on the subject in the centre of the frame and answer only with the JSON object you are asked for."

// OllamaConfig points at an ollama server
type OllamaConfig struct {
	URL         string // e.g. http://localhost:11434
	VisionModel string
	TextModel   string
}

// Ollama runs vision and text prompts through single-turn agents
type Ollama struct {
	cfg      OllamaConfig
	client   *client.OllamaClient
	logger   *slog.Logger
	agentLog logr.Logger
}

// NewOllama checks that the server is reachable before any prompt is sent
func NewOllama(ctx context.Context, cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid ollama url '%s'", cfg.URL)
	}
	base := strings.TrimRight(u.String(), "/")

	// Check if Ollama is running
	if err := ping(ctx, base+"/api/tags"); err != nil {
		return nil, fmt.Errorf("ollama not reachable at %s: %w", cfg.URL, err)
	}

	return &Ollama{
		cfg:      cfg,
		client:   client.NewClient(client.WithBaseURL(base + "/api")),
		logger:   logger,
		agentLog: logr.FromSlogHandler(logger.Handler()),
	}, nil
}

// Describe asks the vision model about one JPEG image
func (o *Ollama) Describe(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	o.logger.Debug("describing keyframe", "model", o.cfg.VisionModel, "bytes", len(jpeg))
	return o.run(ctx, o.cfg.VisionModel, describeSystemPrompt,
		agent.WithInput(prompt),
		agent.WithImageBase64(base64.StdEncoding.EncodeToString(jpeg), "image/jpeg"),
	)
}

// Generate runs a text-only prompt
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	return o.run(ctx, o.cfg.TextModel, "", agent.WithInput(prompt))
}

// run creates a fresh agent per call so concurrent prompts never share memory
func (o *Ollama) run(ctx context.Context, model, systemPrompt string, opts ...agent.RunOptionFunc) (string, error) {
	provider := &chatProvider{client: o.client, system: systemPrompt}
	if err := provider.UseModel(ctx, &core.Model{ID: model}); err != nil {
		return "", err
	}

	a, err := agent.NewAgent(
		bootstrap.WithProvider(provider),
		bootstrap.WithLogger(&o.agentLog),
		bootstrap.WithSystemPrompt(systemPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}

	// One model reply is a complete answer; no tools are registered
	opts = append(opts, agent.WithStopCondition(func(*agent.AgentRunAggregator) bool { return true }))
	response, err := a.Run(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", model, err)
	}

	// The model's reply is last, after the prompt
	last := response.Pop()
	if last == nil || last.Role != core.AssistantMessageRole {
		return "", errNoMessages
	}
	if strings.TrimSpace(last.Content) == "" {
		return "", fmt.Errorf("%s: empty reply", model)
	}
	return last.Content, nil
}

// chatProvider is a core.Provider over the ollama chat endpoint at a
// configurable base URL. The system prompt is sent ahead of the agent's
// messages.
type chatProvider struct {
	client *client.OllamaClient
	model  *core.Model
	system string
}

func (p *chatProvider) GetCapabilities(ctx context.Context) (*core.Capabilities, error) {
	return &core.Capabilities{
		SupportsChat:   true,
		SupportsImages: true,
	}, nil
}

func (p *chatProvider) UseModel(ctx context.Context, model *core.Model) error {
	if model == nil || model.ID == "" {
		return errors.New("ollama model is not set")
	}
	p.model = model
	return nil
}

func (p *chatProvider) Generate(ctx context.Context, opts *core.GenerateOptions) (*core.Message, error) {
	messages := make([]*client.Message, 0, len(opts.Messages)+1)
	if p.system != "" {
		messages = append(messages, &client.Message{Role: client.RoleSystem, Content: p.system})
	}
	for _, m := range opts.Messages {
		images := make([]string, 0, len(m.Images))
		for _, img := range m.Images {
			images = append(images, img.Base64Encoding)
		}
		messages = append(messages, &client.Message{
			Role:    client.Role(m.Role),
			Content: m.Content,
			Images:  images,
		})
	}

	resp, err := p.client.Chat(ctx, &client.ChatRequest{
		Model:    p.model.ID,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errNoMessages
	}

	return &core.Message{
		Role:    core.AssistantMessageRole,
		Content: resp.Message.Content,
	}, nil
}

func (p *chatProvider) GenerateStream(ctx context.Context, opts *core.GenerateOptions) (<-chan *core.Message, <-chan string, <-chan error) {
	errs := make(chan error, 1)
	errs <- errors.New("streaming is not supported")
	close(errs)
	return nil, nil, errs
}

func ping(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
