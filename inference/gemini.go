package inference

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel serves ids without a MODEL_PATH override.
const DefaultGeminiModel = "gemini-2.5-flash"

type geminiModel struct {
	id       string
	path     string
	client   *genai.Client
	maxInput int
}

func NewGeminiLoader(ctx context.Context, cfg Config) (Loader, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return func(_ context.Context, id string) (Model, error) {
		return &geminiModel{
			id:       id,
			path:     ModelPath(cfg.Paths, id, DefaultGeminiModel),
			client:   client,
			maxInput: cfg.MaxInputLength,
		}, nil
	}, nil
}

func (m *geminiModel) ID() string   { return m.id }
func (m *geminiModel) Path() string { return m.path }
func (m *geminiModel) Close() error { return nil }

func (m *geminiModel) request(req Request) ([]*genai.Content, *genai.GenerateContentConfig, string) {
	user := Truncate(BuildPrompt(req.Prompt, "", req.Context), m.maxInput)

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(req.Params.Temperature),
		TopP:             genai.Ptr(req.Params.TopP),
		MaxOutputTokens:  int32(req.Params.MaxTokens),
		FrequencyPenalty: genai.Ptr(req.Params.FrequencyPenalty),
		PresencePenalty:  genai.Ptr(req.Params.PresencePenalty),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	return genai.Text(user), config, req.SystemPrompt + " " + user
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata, prompt, text string) Usage {
	if meta == nil {
		return EstimateUsage(prompt, text)
	}
	return usageOr(int(meta.PromptTokenCount), int(meta.CandidatesTokenCount), prompt, text)
}

func geminiFinish(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return FinishReasonStop
	}
	return finishReason(string(resp.Candidates[0].FinishReason))
}

func (m *geminiModel) Generate(ctx context.Context, req Request) (*Response, error) {
	contents, config, prompt := m.request(req)

	result, err := m.client.Models.GenerateContent(ctx, m.path, contents, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	text := strings.TrimSpace(result.Text())
	return &Response{
		Text:         text,
		FinishReason: geminiFinish(result),
		Usage:        geminiUsage(result.UsageMetadata, prompt, text),
	}, nil
}

func (m *geminiModel) Stream(ctx context.Context, req Request, onChunk func(string) error) (*Response, error) {
	contents, config, prompt := m.request(req)

	var (
		sb   strings.Builder
		last *genai.GenerateContentResponse
	)
	for resp, err := range m.client.Models.GenerateContentStream(ctx, m.path, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("failed to stream response: %w", err)
		}
		last = resp
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		sb.WriteString(chunk)
		if err := onChunk(chunk); err != nil {
			return nil, err
		}
	}

	text := strings.TrimSpace(sb.String())
	var meta *genai.GenerateContentResponseUsageMetadata
	if last != nil {
		meta = last.UsageMetadata
	}
	return &Response{
		Text:         text,
		FinishReason: geminiFinish(last),
		Usage:        geminiUsage(meta, prompt, text),
	}, nil
}
