// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/stagegate/internal/auth"
	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/metrics"
	"github.com/adiadia/stagegate/internal/review"
	"github.com/adiadia/stagegate/internal/stage"
	"github.com/adiadia/stagegate/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerLastEventID   = "Last-Event-ID"
	defaultPollInterval = 500 * time.Millisecond
	maxBodyBytes        = 1 << 20
)

type startRequest struct {
	UpstreamID    string          `json:"upstream_id"`
	CorrelationID string          `json:"correlation_id"`
	Input         json.RawMessage `json:"input"`
	StoryIndex    *int            `json:"story_index"`
}

type decisionRequest struct {
	Feedback     string `json:"feedback"`
	StoryIndexes []int  `json:"story_indexes"`
}

type errorResponse struct {
	Error         domain.ErrorClass `json:"error"`
	Message       string            `json:"message"`
	Status        domain.Status     `json:"status,omitempty"`
	StageEntityID *uuid.UUID        `json:"stage_entity_id,omitempty"`
}

type Deps struct {
	Pipeline  Pipeline
	Reviews   ReviewQueue
	EventRepo EventStreamer
	Logger    *slog.Logger
	// ReviewerToken guards decision routes when set.
	ReviewerToken      string
	StartRatePerMinute int
	// Readiness checks run on /readyz, keyed by component name.
	Readiness    map[string]HealthChecker
	PollInterval time.Duration
	Version      string
	Commit       string
	BuildDate    string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	pollInterval := deps.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(deps.Readiness))
		ready := true
		for name, checker := range deps.Readiness {
			if checker == nil {
				continue
			}
			if err := checker.Check(r.Context()); err != nil {
				logger.Warn("readiness check failed", "component", name, "error", err)
				checks[name] = err.Error()
				ready = false
				continue
			}
			checks[name] = "ok"
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"ready":  ready,
			"checks": checks,
		})
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- STAGES ----------------

	r.Route("/stages/{stage}", func(r chi.Router) {
		r.With(middleware.StartRateLimit(deps.StartRatePerMinute, logger)).Post("/start", func(w http.ResponseWriter, r *http.Request) {
			s, err := domain.ParseStage(chi.URLParam(r, "stage"))
			if err != nil {
				writeError(w, logger, err)
				return
			}

			reqBody, err := decodeStartRequest(r)
			if err != nil {
				writeError(w, logger, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
				return
			}
			upstreamID, err := parseOptionalID(reqBody.UpstreamID)
			if err != nil {
				writeError(w, logger, fmt.Errorf("%w: upstream_id", domain.ErrInvalidInput))
				return
			}

			e, err := deps.Pipeline.Start(r.Context(), s, upstreamID, stage.StartOptions{
				CorrelationID: reqBody.CorrelationID,
				Input:         reqBody.Input,
				StoryIndex:    reqBody.StoryIndex,
			})
			if err != nil {
				if e.ID != uuid.Nil {
					writeEntityError(w, logger, err, e)
					return
				}
				writeError(w, logger, err)
				return
			}

			logger.Info("stage started via API", "stage", s, "entity_id", e.ID, "status", e.Status)

			writeJSON(w, http.StatusCreated, map[string]any{
				"stage_entity_id": e.ID.String(),
				"status":          e.Status,
				"attempt":         e.Attempt,
				"review_id":       e.ReviewID,
			})
		})

		r.Get("/can-start", func(w http.ResponseWriter, r *http.Request) {
			s, err := domain.ParseStage(chi.URLParam(r, "stage"))
			if err != nil {
				writeError(w, logger, err)
				return
			}

			q := r.URL.Query()
			upstreamID, err := parseOptionalID(q.Get("upstream_id"))
			if err != nil {
				writeError(w, logger, fmt.Errorf("%w: upstream_id", domain.ErrInvalidInput))
				return
			}
			var target dependency.Target
			if raw := strings.TrimSpace(q.Get("story_index")); raw != "" {
				idx, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, logger, fmt.Errorf("%w: story_index", domain.ErrInvalidInput))
					return
				}
				target.StoryIndex = &idx
			}

			res, err := deps.Pipeline.CanStart(r.Context(), s, upstreamID, target)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})
	})

	// ---------------- ENTITIES ----------------

	r.Route("/entities/{id}", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "entity")
			if !ok {
				return
			}
			view, err := deps.Pipeline.Status(r.Context(), id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		})

		r.Get("/result", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "entity")
			if !ok {
				return
			}
			res, err := deps.Pipeline.Result(r.Context(), id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Get("/stories", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "entity")
			if !ok {
				return
			}
			stories, err := deps.Pipeline.Stories(r.Context(), id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, struct {
				GenerationID string             `json:"generation_id"`
				Stories      []domain.UserStory `json:"stories"`
			}{
				GenerationID: id.String(),
				Stories:      stories,
			})
		})

		// ---------------- STREAM EVENTS (SSE) ----------------

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "entity")
			if !ok {
				return
			}

			if _, err := deps.Pipeline.Status(r.Context(), id); err != nil {
				writeError(w, logger, err)
				return
			}

			if deps.EventRepo == nil {
				logger.Error("sse events repository is not configured")
				http.Error(w, "failed to stream events", http.StatusInternalServerError)
				return
			}

			since := strings.TrimSpace(r.URL.Query().Get("since_id"))
			if since == "" {
				since = strings.TrimSpace(r.Header.Get(headerLastEventID))
			}
			cursor, err := resolveEventsCursor(r.Context(), deps.EventRepo, id, since)
			if err != nil {
				if errors.Is(err, errInvalidSinceID) {
					http.Error(w, "invalid since_id", http.StatusBadRequest)
					return
				}
				logger.Error("resolve events cursor failed",
					"entity_id", id,
					"since_id", since,
					"error", err,
				)
				http.Error(w, "failed to stream events", http.StatusInternalServerError)
				return
			}

			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			writeEvents := func() error {
				events, err := deps.EventRepo.ListEventsAfter(r.Context(), id, cursor)
				if err != nil {
					return err
				}

				for _, ev := range events {
					payload, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, strings.ToLower(ev.Type), payload); err != nil {
						return err
					}
					flusher.Flush()
					cursor = ev.Seq
				}

				return nil
			}

			if err := writeEvents(); err != nil {
				logger.Error("sse initial write failed", "entity_id", id, "error", err)
				return
			}

			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					if err := writeEvents(); err != nil {
						if r.Context().Err() == nil {
							logger.Error("sse write failed", "entity_id", id, "error", err)
						}
						return
					}
				}
			}
		})
	})

	// ---------------- WORKFLOWS ----------------

	r.Get("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "requirements")
		if !ok {
			return
		}
		wf, err := deps.Pipeline.Workflow(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	})

	// ---------------- REVIEWS ----------------

	r.Route("/reviews", func(r chi.Router) {
		r.Get("/pending", func(w http.ResponseWriter, r *http.Request) {
			items, err := deps.Reviews.GetPending(r.Context())
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"reviews": items,
			})
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "review")
			if !ok {
				return
			}
			item, err := deps.Reviews.Get(r.Context(), id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.ReviewerTokenAuth(deps.ReviewerToken, logger))

			r.Post("/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
				decideReview(w, r, logger, deps.Reviews.Approve)
			})

			r.Post("/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
				decideReview(w, r, logger, deps.Reviews.Reject)
			})
		})
	})

	// ---------------- STORIES ----------------

	r.Route("/stories/{id}", func(r chi.Router) {
		r.Use(middleware.ReviewerTokenAuth(deps.ReviewerToken, logger))

		r.Post("/approve", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "story")
			if !ok {
				return
			}
			annotateDecision(r, "story_id", id)
			st, err := deps.Pipeline.ApproveStory(r.Context(), id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})

		r.Post("/reject", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "story")
			if !ok {
				return
			}
			reqBody, err := decodeDecisionRequest(r)
			if err != nil {
				writeError(w, logger, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
				return
			}
			annotateDecision(r, "story_id", id)
			st, err := deps.Pipeline.RejectStory(r.Context(), id, reqBody.Feedback)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
	})

	return r
}

type decideFunc func(ctx context.Context, id uuid.UUID, in review.DecisionInput) (domain.ReviewItem, error)

// annotateDecision tags the access log with the decided object and the
// reviewer, and returns the reviewer.
func annotateDecision(r *http.Request, key string, id uuid.UUID) string {
	reviewer, _ := auth.ReviewerFromContext(r.Context())
	annotateRequest(r.Context(), key, id, "reviewer", reviewer)
	return reviewer
}

func decideReview(w http.ResponseWriter, r *http.Request, logger *slog.Logger, decide decideFunc) {
	id, ok := parseID(w, r, "review")
	if !ok {
		return
	}
	reqBody, err := decodeDecisionRequest(r)
	if err != nil {
		writeError(w, logger, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	reviewer := annotateDecision(r, "review_id", id)
	item, err := decide(r.Context(), id, review.DecisionInput{
		Feedback:     reqBody.Feedback,
		DecidedBy:    reviewer,
		StoryIndexes: reqBody.StoryIndexes,
	})
	if err != nil {
		writeError(w, logger, err)
		return
	}

	logger.Info("review decided via API", "review_id", item.ID, "status", item.Status, "decided_by", reviewer)
	writeJSON(w, http.StatusOK, item)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForClass maps an error class onto the HTTP status of the response.
func statusForClass(class domain.ErrorClass) int {
	switch class {
	case domain.ClassRetryLater, domain.ClassNoActionNeeded:
		return http.StatusConflict
	case domain.ClassGenerationFailed:
		return http.StatusBadGateway
	case domain.ClassNotFound:
		return http.StatusNotFound
	case domain.ClassInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) (int, errorResponse) {
	class := domain.Classify(err)
	body := errorResponse{Error: class, Message: err.Error()}
	if class == domain.ClassInternal {
		body.Message = "internal error"
	}
	var depErr *domain.DependencyError
	if errors.As(err, &depErr) {
		body.Status = depErr.Sentinel()
	}
	return statusForClass(class), body
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

// writeEntityError reports a failure that happened after the entity was
// created, so the caller can still follow it.
func writeEntityError(w http.ResponseWriter, logger *slog.Logger, err error, e domain.Entity) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "entity_id", e.ID, "error", err)
	}
	id := e.ID
	body.StageEntityID = &id
	body.Status = e.Status
	writeJSON(w, status, body)
}

func parseID(w http.ResponseWriter, r *http.Request, kind string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   domain.ClassInvalidRequest,
			Message: "invalid " + kind + " ID",
		})
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}

func decodeStartRequest(r *http.Request) (startRequest, error) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		return startRequest{}, err
	}
	req.CorrelationID = strings.TrimSpace(req.CorrelationID)
	if req.StoryIndex != nil && *req.StoryIndex < 1 {
		return startRequest{}, errors.New("story_index must be positive")
	}
	return req, nil
}

func decodeDecisionRequest(r *http.Request) (decisionRequest, error) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		return decisionRequest{}, err
	}
	req.Feedback = strings.TrimSpace(req.Feedback)
	for _, idx := range req.StoryIndexes {
		if idx < 1 {
			return decisionRequest{}, errors.New("story_indexes must be positive")
		}
	}
	return req, nil
}

// decodeBody reads exactly one JSON object. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

var errInvalidSinceID = errors.New("invalid since_id")

func resolveEventsCursor(
	ctx context.Context,
	eventRepo EventStreamer,
	entityID uuid.UUID,
	since string,
) (int64, error) {
	if since == "" {
		return 0, nil
	}

	if seq, err := strconv.ParseInt(since, 10, 64); err == nil {
		if seq < 0 {
			return 0, errInvalidSinceID
		}
		return seq, nil
	}

	eventID, err := uuid.Parse(since)
	if err != nil {
		return 0, errInvalidSinceID
	}

	seq, err := eventRepo.ResolveCursorByEventID(ctx, entityID, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrEntityNotFound) {
			return 0, errInvalidSinceID
		}
		return 0, err
	}

	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
