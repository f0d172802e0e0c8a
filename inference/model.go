// Package inference loads language models from remote serving backends and
// runs generations against them.
package inference

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnknownProvider = errors.New("unknown inference provider")
	ErrEmptyResponse   = errors.New("model returned no choices")
)

const FinishReasonStop = "stop"

// Model is a loaded model ready to serve requests.
type Model interface {
	ID() string
	// Path is the backend-side model name.
	Path() string
	Generate(ctx context.Context, req Request) (*Response, error)
	// Stream calls onChunk for each text delta and returns the assembled response.
	Stream(ctx context.Context, req Request, onChunk func(string) error) (*Response, error)
	Close() error
}

// Loader creates a model handle for id.
type Loader func(ctx context.Context, id string) (Model, error)

type Request struct {
	Prompt       string
	SystemPrompt string
	Context      string
	Params       Params
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// CountTokens approximates a token count by whitespace separated words.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

// EstimateUsage approximates usage for a prompt and its completion.
func EstimateUsage(prompt, completion string) Usage {
	p, c := CountTokens(prompt), CountTokens(completion)
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

// usageOr prefers backend-reported counts and falls back to the estimate.
func usageOr(promptTokens, completionTokens int, prompt, completion string) Usage {
	if promptTokens == 0 && completionTokens == 0 {
		return EstimateUsage(prompt, completion)
	}
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

func finishReason(reason string) string {
	if reason == "" {
		return FinishReasonStop
	}
	return strings.ToLower(reason)
}
