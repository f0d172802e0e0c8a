package inference

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidParams wraps every parameter validation failure.
var ErrInvalidParams = errors.New("invalid model parameters")

// AllowedParams lists the keys an agent may override.
var AllowedParams = []string{"temperature", "top_p", "max_tokens", "frequency_penalty", "presence_penalty"}

type Params struct {
	Temperature      float32 `json:"temperature"`
	TopP             float32 `json:"top_p"`
	MaxTokens        int     `json:"max_tokens"`
	FrequencyPenalty float32 `json:"frequency_penalty"`
	PresencePenalty  float32 `json:"presence_penalty"`
}

// Map renders the params the way they are stored on an agent.
func (p Params) Map() map[string]any {
	return map[string]any{
		"temperature":       p.Temperature,
		"top_p":             p.TopP,
		"max_tokens":        p.MaxTokens,
		"frequency_penalty": p.FrequencyPenalty,
		"presence_penalty":  p.PresencePenalty,
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// ParseParams overlays raw on defaults. Unknown keys, non-numeric values and
// out-of-range values are rejected; every problem is reported.
func ParseParams(raw map[string]any, defaults Params) (Params, error) {
	p := defaults
	var errs []error

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f, ok := toFloat(raw[k])
		if !ok && isAllowed(k) {
			errs = append(errs, fmt.Errorf("%s must be a number", k))
			continue
		}
		switch k {
		case "temperature":
			if f < 0 || f > 2 {
				errs = append(errs, fmt.Errorf("temperature must be between 0 and 2"))
			}
			p.Temperature = float32(f)
		case "top_p":
			if f <= 0 || f > 1 {
				errs = append(errs, fmt.Errorf("top_p must be greater than 0 and at most 1"))
			}
			p.TopP = float32(f)
		case "max_tokens":
			if f < 1 || f != float64(int(f)) {
				errs = append(errs, fmt.Errorf("max_tokens must be a positive integer"))
			}
			p.MaxTokens = int(f)
		case "frequency_penalty":
			if f < -2 || f > 2 {
				errs = append(errs, fmt.Errorf("frequency_penalty must be between -2 and 2"))
			}
			p.FrequencyPenalty = float32(f)
		case "presence_penalty":
			if f < -2 || f > 2 {
				errs = append(errs, fmt.Errorf("presence_penalty must be between -2 and 2"))
			}
			p.PresencePenalty = float32(f)
		default:
			errs = append(errs, fmt.Errorf("invalid parameter: %s", k))
		}
	}

	if len(errs) > 0 {
		return defaults, fmt.Errorf("%w: %w", ErrInvalidParams, errors.Join(errs...))
	}
	return p, nil
}

func isAllowed(k string) bool {
	for _, a := range AllowedParams {
		if a == k {
			return true
		}
	}
	return false
}
