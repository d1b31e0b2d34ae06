// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/adiadia/stagegate/internal/domain"
)

const (
	defaultOpenAIModel = "moonshotai/Kimi-K2-Instruct-0905"
	userAgent          = "stagegate/1.0"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// OpenAIBackend talks to any OpenAI-compatible /chat/completions endpoint.
// When a base URL answers 404 or 405 the next fallback URL is tried within
// the same attempt.
type OpenAIBackend struct {
	name       string
	baseURLs   []string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOpenAIBackend(cfg BackendConfig, httpClient *http.Client, logger *slog.Logger) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := cfg.ModelName
	if model == "" {
		model = defaultOpenAIModel
	}

	urls := make([]string, 0, 1+len(cfg.FallbackURLs))
	for _, u := range append([]string{cfg.BaseURL}, cfg.FallbackURLs...) {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			urls = append(urls, u)
		}
	}

	return &OpenAIBackend{
		name:       cfg.Name,
		baseURLs:   urls,
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (b *OpenAIBackend) Name() string { return b.name }

func (b *OpenAIBackend) Complete(ctx context.Context, c Completion) (string, error) {
	model := c.Model
	if model == "" {
		model = b.model
	}

	messages := make([]chatMessage, 0, 2)
	if c.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: c.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var lastErr error
	for _, base := range b.baseURLs {
		status, respBody, err := b.post(ctx, base+"/chat/completions", body)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", err
			}
			b.logger.Warn("provider url failed", "backend", b.name, "url", base, "error", err)
			continue
		}

		if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
			lastErr = &StatusError{StatusCode: status, Body: truncate(string(respBody), 200)}
			b.logger.Warn("provider url not usable, trying next", "backend", b.name, "url", base, "status", status)
			continue
		}
		if status != http.StatusOK {
			return "", &StatusError{StatusCode: status, Body: truncate(string(respBody), 200)}
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
		}
		if len(parsed.Choices) == 0 {
			return "", fmt.Errorf("%w: missing choices", domain.ErrMalformedResponse)
		}
		return parsed.Choices[0].Message.Content, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("backend %s has no base url", b.name)
	}
	return "", lastErr
}

func (b *OpenAIBackend) Probe(ctx context.Context) error {
	_, err := b.Complete(ctx, Completion{Prompt: "Hello", MaxTokens: 1})
	if errors.Is(err, domain.ErrMalformedResponse) {
		return nil
	}
	return err
}

func (b *OpenAIBackend) post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
