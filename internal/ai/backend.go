package ai

import (
	"context"
	"net/http"
	"time"
)

// CompletionRequest is a single model call.
type CompletionRequest struct {
	Model             string
	SystemInstruction string
	Content           string
	Temperature       float64
	MaxTokens         int
	JSON              bool
}

// Usage counts tokens consumed by a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// CompletionResponse is the raw text a model returned.
type CompletionResponse struct {
	Text  string
	Usage Usage
}

// Backend performs one call against one provider. Implementations return
// *ProviderError for classified failures and must not retry internally.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Credentials carries the API keys for each provider; empty keys disable
// the provider.
type Credentials struct {
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	GeminiKey     string
}

const defaultMaxTokens = 4096

// NewBackends builds a backend for every provider that has credentials.
func NewBackends(creds Credentials) map[Provider]Backend {
	client := &http.Client{Timeout: 120 * time.Second}
	out := make(map[Provider]Backend)
	if creds.OpenAIKey != "" {
		out[ProviderOpenAI] = NewOpenAI(creds.OpenAIKey, creds.OpenAIBaseURL, client)
	}
	if creds.AnthropicKey != "" {
		out[ProviderAnthropic] = NewAnthropic(creds.AnthropicKey, "", client)
	}
	if creds.GeminiKey != "" {
		out[ProviderGemini] = NewGemini(creds.GeminiKey, "", client)
	}
	return out
}
