// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/adiadia/stagegate/internal/domain"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	anthropicVersion        = "2023-06-01"
)

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type AnthropicBackend struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewAnthropicBackend(cfg BackendConfig, httpClient *http.Client) *AnthropicBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	model := cfg.ModelName
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicBackend{
		name:       cfg.Name,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: httpClient,
	}
}

func (b *AnthropicBackend) Name() string { return b.name }

func (b *AnthropicBackend) Complete(ctx context.Context, c Completion) (string, error) {
	model := c.Model
	if model == "" {
		model = b.model
	}

	body, err := json.Marshal(messagesRequest{
		Model:       model,
		MaxTokens:   c.MaxTokens,
		System:      c.System,
		Messages:    []chatMessage{{Role: "user", Content: c.Prompt}},
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal messages request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", b.apiKey)
	req.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: empty content", domain.ErrMalformedResponse)
	}
	return text.String(), nil
}

func (b *AnthropicBackend) Probe(ctx context.Context) error {
	_, err := b.Complete(ctx, Completion{Prompt: "Hello", MaxTokens: 1})
	if errors.Is(err, domain.ErrMalformedResponse) {
		return nil
	}
	return err
}
