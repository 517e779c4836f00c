package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// Anthropic calls the Messages API.
type Anthropic struct {
	apiKey string
	url    string
	client *http.Client
}

// NewAnthropic builds an Anthropic backend. url may be empty.
func NewAnthropic(apiKey, url string, client *http.Client) *Anthropic {
	if url == "" {
		url = anthropicAPIURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Anthropic{apiKey: apiKey, url: url, client: client}
}

func (a *Anthropic) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	system := req.SystemInstruction
	if req.JSON {
		system += "\n\nRespond with a single JSON object and nothing else."
	}
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Content}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, transportError(ProviderAnthropic, req.Model, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return CompletionResponse{}, transportError(ProviderAnthropic, req.Model, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return CompletionResponse{}, statusError(ProviderAnthropic, req.Model, httpResp.StatusCode, respBody)
	}

	var result anthropicResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return CompletionResponse{}, &ProviderError{Provider: ProviderAnthropic, Model: req.Model, Kind: Retryable, Err: fmt.Errorf("parsing response: %w", err)}
	}
	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return CompletionResponse{}, &ProviderError{Provider: ProviderAnthropic, Model: req.Model, Kind: Retryable, Err: errors.New("no text content in response")}
	}
	return CompletionResponse{
		Text:  text.String(),
		Usage: Usage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens},
	}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
	Usage   anthropicUsage   `json:"usage"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
