// SPDX-License-Identifier: Apache-2.0

// Package client is a typed wrapper around the stagegate HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/stage"
)

const (
	defaultTimeout = 10 * time.Minute
	headerReviewer = "X-Reviewer"
)

type Options struct {
	BaseURL string
	// Token is sent as a bearer token on decision routes.
	Token      string
	Reviewer   string
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	token      string
	reviewer   string
	httpClient *http.Client
}

// New returns a client for the API at opts.BaseURL. Starts block for the
// whole provider call, so the default timeout is generous.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		reviewer:   strings.TrimSpace(opts.Reviewer),
		httpClient: hc,
	}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode    int
	Class         domain.ErrorClass `json:"error"`
	Message       string            `json:"message"`
	Status        domain.Status     `json:"status"`
	StageEntityID string            `json:"stage_entity_id"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Class != "" {
		return fmt.Sprintf("%s (%d %s)", msg, e.StatusCode, e.Class)
	}
	return fmt.Sprintf("%s (%d)", msg, e.StatusCode)
}

type StartRequest struct {
	UpstreamID    string          `json:"upstream_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	StoryIndex    *int            `json:"story_index,omitempty"`
}

type StartResponse struct {
	StageEntityID string        `json:"stage_entity_id"`
	Status        domain.Status `json:"status"`
	Attempt       int           `json:"attempt"`
	ReviewID      *string       `json:"review_id"`
}

type CanStartResponse struct {
	CanStart bool          `json:"can_start"`
	Reason   string        `json:"reason"`
	Status   domain.Status `json:"status"`
}

type decisionRequest struct {
	Feedback     string `json:"feedback,omitempty"`
	StoryIndexes []int  `json:"story_indexes,omitempty"`
}

func (c *Client) Start(ctx context.Context, stageName string, req StartRequest) (StartResponse, error) {
	var out StartResponse
	err := c.do(ctx, http.MethodPost, "/stages/"+url.PathEscape(stageName)+"/start", req, &out)
	return out, err
}

func (c *Client) CanStart(ctx context.Context, stageName, upstreamID string, storyIndex *int) (CanStartResponse, error) {
	q := url.Values{}
	if upstreamID != "" {
		q.Set("upstream_id", upstreamID)
	}
	if storyIndex != nil {
		q.Set("story_index", strconv.Itoa(*storyIndex))
	}
	path := "/stages/" + url.PathEscape(stageName) + "/can-start"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out CanStartResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, entityID string) (stage.StatusView, error) {
	var out stage.StatusView
	err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(entityID)+"/status", nil, &out)
	return out, err
}

func (c *Client) Result(ctx context.Context, entityID string) (stage.Result, error) {
	var out stage.Result
	err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(entityID)+"/result", nil, &out)
	return out, err
}

func (c *Client) Stories(ctx context.Context, generationID string) ([]domain.UserStory, error) {
	var out struct {
		Stories []domain.UserStory `json:"stories"`
	}
	err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(generationID)+"/stories", nil, &out)
	return out.Stories, err
}

func (c *Client) Workflow(ctx context.Context, requirementsID string) (stage.Workflow, error) {
	var out stage.Workflow
	err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(requirementsID), nil, &out)
	return out, err
}

func (c *Client) PendingReviews(ctx context.Context) ([]domain.ReviewItem, error) {
	var out struct {
		Reviews []domain.ReviewItem `json:"reviews"`
	}
	err := c.do(ctx, http.MethodGet, "/reviews/pending", nil, &out)
	return out.Reviews, err
}

func (c *Client) Review(ctx context.Context, reviewID string) (domain.ReviewItem, error) {
	var out domain.ReviewItem
	err := c.do(ctx, http.MethodGet, "/reviews/"+url.PathEscape(reviewID), nil, &out)
	return out, err
}

// ApproveReview approves a review. For story generation, storyIndexes
// limits which stories are approved; nil approves all drafts.
func (c *Client) ApproveReview(ctx context.Context, reviewID, feedback string, storyIndexes []int) (domain.ReviewItem, error) {
	var out domain.ReviewItem
	err := c.do(ctx, http.MethodPost, "/reviews/"+url.PathEscape(reviewID)+"/approve",
		decisionRequest{Feedback: feedback, StoryIndexes: storyIndexes}, &out)
	return out, err
}

func (c *Client) RejectReview(ctx context.Context, reviewID, feedback string) (domain.ReviewItem, error) {
	var out domain.ReviewItem
	err := c.do(ctx, http.MethodPost, "/reviews/"+url.PathEscape(reviewID)+"/reject",
		decisionRequest{Feedback: feedback}, &out)
	return out, err
}

func (c *Client) ApproveStory(ctx context.Context, storyID string) (domain.UserStory, error) {
	var out domain.UserStory
	err := c.do(ctx, http.MethodPost, "/stories/"+url.PathEscape(storyID)+"/approve", nil, &out)
	return out, err
}

func (c *Client) RejectStory(ctx context.Context, storyID, feedback string) (domain.UserStory, error) {
	var out domain.UserStory
	err := c.do(ctx, http.MethodPost, "/stories/"+url.PathEscape(storyID)+"/reject",
		decisionRequest{Feedback: feedback}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.reviewer != "" {
		req.Header.Set(headerReviewer, c.reviewer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
