package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Config selects and configures the serving backend.
type Config struct {
	Provider       string
	BaseURL        string
	APIKey         string
	GeminiAPIKey   string
	Paths          map[string]string
	MaxInputLength int
}

// ModelPath resolves the backend model name for id from the MODEL_PATH_*
// overrides, accepting both the raw id and its upper snake-case form.
func ModelPath(paths map[string]string, id, fallback string) string {
	if p, ok := paths[id]; ok && p != "" {
		return p
	}
	norm := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
	if p, ok := paths[norm]; ok && p != "" {
		return p
	}
	return fallback
}

// NewLoader returns the loader for cfg.Provider.
func NewLoader(ctx context.Context, cfg Config) (Loader, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAILoader(cfg), nil
	case "gemini":
		return NewGeminiLoader(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

type openAIModel struct {
	id       string
	path     string
	client   *openai.Client
	maxInput int
}

// NewOpenAILoader serves models from any OpenAI-compatible endpoint
// (vLLM, Ollama, OpenRouter). Model names default to deepseek-ai/<id>.
func NewOpenAILoader(cfg Config) Loader {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return func(_ context.Context, id string) (Model, error) {
		return &openAIModel{
			id:       id,
			path:     ModelPath(cfg.Paths, id, "deepseek-ai/"+id),
			client:   client,
			maxInput: cfg.MaxInputLength,
		}, nil
	}
}

func (m *openAIModel) ID() string   { return m.id }
func (m *openAIModel) Path() string { return m.path }
func (m *openAIModel) Close() error { return nil }

func (m *openAIModel) request(req Request, stream bool) (openai.ChatCompletionRequest, string) {
	user := Truncate(BuildPrompt(req.Prompt, "", req.Context), m.maxInput)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})

	return openai.ChatCompletionRequest{
		Model:            m.path,
		Messages:         messages,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		MaxTokens:        req.Params.MaxTokens,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Stream:           stream,
	}, req.SystemPrompt + " " + user
}

func (m *openAIModel) Generate(ctx context.Context, req Request) (*Response, error) {
	chatReq, prompt := m.request(req, false)

	resp, err := m.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	return &Response{
		Text:         text,
		FinishReason: finishReason(string(resp.Choices[0].FinishReason)),
		Usage:        usageOr(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, prompt, text),
	}, nil
}

func (m *openAIModel) Stream(ctx context.Context, req Request, onChunk func(string) error) (*Response, error) {
	chatReq, prompt := m.request(req, true)

	stream, err := m.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat stream failed: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	reason := ""
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			slog.Error("Stream recv error", "model", m.id, "error", err)
			return nil, fmt.Errorf("stream recv error: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			reason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		sb.WriteString(choice.Delta.Content)
		if err := onChunk(choice.Delta.Content); err != nil {
			return nil, err
		}
	}

	text := strings.TrimSpace(sb.String())
	return &Response{
		Text:         text,
		FinishReason: finishReason(reason),
		Usage:        EstimateUsage(prompt, text),
	}, nil
}
