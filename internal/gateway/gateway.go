// SPDX-License-Identifier: Apache-2.0

// Package gateway is the single entry point for text generation. It routes
// logical operations to configured backends and owns retries, backoff,
// outbound rate limiting and health probing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries        = 3
	DefaultTimeoutSeconds    = 300
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 10000
	DefaultBaseBackoff       = time.Second
	DefaultMaxBackoffSeconds = 30
	probeTimeout             = 10 * time.Second
)

type BackendConfig struct {
	Name              string   `koanf:"name"`
	Kind              string   `koanf:"kind"`
	BaseURL           string   `koanf:"base_url"`
	FallbackURLs      []string `koanf:"fallback_urls"`
	APIKey            string   `koanf:"api_key"`
	ModelName         string   `koanf:"model_name"`
	TimeoutSeconds    int      `koanf:"timeout_seconds"`
	MaxRetries        *int     `koanf:"max_retries"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
}

type Config struct {
	DefaultBackend    string            `koanf:"default_backend"`
	Routes            map[string]string `koanf:"routes"`
	MaxBackoffSeconds int               `koanf:"max_backoff_seconds"`
	BaseBackoffMS     int               `koanf:"base_backoff_ms"`
	Backends          []BackendConfig   `koanf:"backends"`
}

// Request is what callers send. Operation is a logical tag used for routing.
type Request struct {
	Operation   string
	Prompt      string
	System      string
	Temperature *float64
	MaxTokens   int
}

type Response struct {
	Content  string
	Backend  string
	Attempts int
}

type Deps struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Sleep waits between attempts. It must return early with ctx.Err()
	// when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

type binding struct {
	backend    Backend
	limiter    *rate.Limiter
	maxRetries int
	timeout    time.Duration
}

type Gateway struct {
	bindings       map[string]*binding
	routes         map[string]string
	defaultBackend string
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

// New builds HTTP backends from cfg. Configuration mistakes are reported
// here and never at call time.
func New(cfg Config, deps Deps) (*Gateway, error) {
	backends := make([]Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		b, err := buildBackend(bc, deps)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return NewWithBackends(cfg, backends, deps)
}

// NewWithBackends wires already constructed backends. Per-backend policy is
// still read from cfg.Backends by name.
func NewWithBackends(cfg Config, backends []Backend, deps Deps) (*Gateway, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	policies := make(map[string]BackendConfig, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		policies[bc.Name] = bc
	}

	g := &Gateway{
		bindings:       make(map[string]*binding, len(backends)),
		routes:         make(map[string]string, len(cfg.Routes)),
		defaultBackend: cfg.DefaultBackend,
		baseBackoff:    DefaultBaseBackoff,
		maxBackoff:     DefaultMaxBackoffSeconds * time.Second,
		sleep:          sleep,
		logger:         logger,
	}
	if cfg.BaseBackoffMS > 0 {
		g.baseBackoff = time.Duration(cfg.BaseBackoffMS) * time.Millisecond
	}
	if cfg.MaxBackoffSeconds > 0 {
		g.maxBackoff = time.Duration(cfg.MaxBackoffSeconds) * time.Second
	}

	for _, b := range backends {
		name := b.Name()
		if name == "" {
			return nil, errors.New("gateway: backend name is required")
		}
		if _, dup := g.bindings[name]; dup {
			return nil, fmt.Errorf("gateway: duplicate backend %q", name)
		}
		g.bindings[name] = newBinding(b, policies[name])
	}
	if len(g.bindings) == 0 {
		return nil, errors.New("gateway: no backends configured")
	}

	if g.defaultBackend == "" && len(backends) == 1 {
		g.defaultBackend = backends[0].Name()
	}
	if _, ok := g.bindings[g.defaultBackend]; !ok {
		return nil, fmt.Errorf("gateway: default backend %q is not configured", g.defaultBackend)
	}
	for op, name := range cfg.Routes {
		if _, ok := g.bindings[name]; !ok {
			return nil, fmt.Errorf("gateway: route %q points to unknown backend %q", op, name)
		}
		g.routes[op] = name
	}

	return g, nil
}

func buildBackend(bc BackendConfig, deps Deps) (Backend, error) {
	if strings.TrimSpace(bc.Name) == "" {
		return nil, errors.New("gateway: backend name is required")
	}
	switch strings.ToLower(strings.TrimSpace(bc.Kind)) {
	case KindOpenAI, "":
		if bc.BaseURL == "" {
			return nil, fmt.Errorf("gateway: backend %q has no base_url", bc.Name)
		}
		return NewOpenAIBackend(bc, deps.HTTPClient, deps.Logger), nil
	case KindAnthropic:
		return NewAnthropicBackend(bc, deps.HTTPClient), nil
	default:
		return nil, fmt.Errorf("gateway: backend %q has unknown kind %q", bc.Name, bc.Kind)
	}
}

func newBinding(b Backend, policy BackendConfig) *binding {
	maxRetries := DefaultMaxRetries
	if policy.MaxRetries != nil && *policy.MaxRetries >= 0 {
		maxRetries = *policy.MaxRetries
	}
	timeout := time.Duration(DefaultTimeoutSeconds) * time.Second
	if policy.TimeoutSeconds > 0 {
		timeout = time.Duration(policy.TimeoutSeconds) * time.Second
	}

	limit := rate.Inf
	burst := 1
	if policy.RequestsPerSecond > 0 {
		limit = rate.Limit(policy.RequestsPerSecond)
		if policy.Burst > 0 {
			burst = policy.Burst
		}
	}

	return &binding{
		backend:    b,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: maxRetries,
		timeout:    timeout,
	}
}

// Call sends req to the backend routed for req.Operation, retrying transient
// failures with exponential backoff. A canceled ctx aborts both the in-flight
// request and any pending backoff.
func (g *Gateway) Call(ctx context.Context, req Request) (Response, error) {
	b := g.route(req.Operation)
	name := b.backend.Name()

	completion := Completion{
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	if req.Temperature != nil {
		completion.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		completion.MaxTokens = req.MaxTokens
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= b.maxRetries+1; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return Response{}, g.canceled(ctx, name, req.Operation, attempts, err)
		}

		attempts = attempt
		content, err := g.attempt(ctx, b, completion)
		if err == nil {
			metrics.IncProviderCall(name, "success")
			return Response{Content: content, Backend: name, Attempts: attempts}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Response{}, g.canceled(ctx, name, req.Operation, attempts, err)
		}
		if !isTransient(err) {
			metrics.IncProviderCall(name, "fatal")
			g.logger.Warn("provider call failed",
				"backend", name,
				"operation", req.Operation,
				"attempt", attempt,
				"error", err,
			)
			return Response{}, g.providerError(name, req.Operation, attempts, false, err)
		}
		if attempt > b.maxRetries {
			break
		}

		wait := g.backoff(attempt)
		g.logger.Warn("provider call failed, retrying",
			"backend", name,
			"operation", req.Operation,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
		metrics.IncProviderRetries(name)
		if err := g.sleep(ctx, wait); err != nil {
			return Response{}, g.canceled(ctx, name, req.Operation, attempts, err)
		}
	}

	metrics.IncProviderCall(name, "transient")
	g.logger.Error("provider retries exhausted",
		"backend", name,
		"operation", req.Operation,
		"attempts", attempts,
		"error", lastErr,
	)
	return Response{}, g.providerError(name, req.Operation, attempts, true, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, b *binding, c Completion) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	started := time.Now()
	content, err := b.backend.Complete(attemptCtx, c)
	metrics.ObserveProviderAttempt(b.backend.Name(), time.Since(started))
	return content, err
}

// backoff returns the wait after the given 1-based attempt: base * 2^attempt,
// capped at the configured maximum.
func (g *Gateway) backoff(attempt int) time.Duration {
	return backoffAfter(g.baseBackoff, g.maxBackoff, attempt)
}

func backoffAfter(base, ceiling time.Duration, attempt int) time.Duration {
	wait := base
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= ceiling {
			return ceiling
		}
	}
	return wait
}

// RetryBudget is the longest a Call on backend bc may take when it is not
// contended: every attempt runs into its timeout, every backoff is slept and
// the rate limiter delays each attempt by one interval.
func (c Config) RetryBudget(bc BackendConfig) time.Duration {
	p := newBinding(nil, bc)
	base := DefaultBaseBackoff
	if c.BaseBackoffMS > 0 {
		base = time.Duration(c.BaseBackoffMS) * time.Millisecond
	}
	ceiling := DefaultMaxBackoffSeconds * time.Second
	if c.MaxBackoffSeconds > 0 {
		ceiling = time.Duration(c.MaxBackoffSeconds) * time.Second
	}

	attempts := p.maxRetries + 1
	budget := time.Duration(attempts) * p.timeout
	for attempt := 1; attempt < attempts; attempt++ {
		budget += backoffAfter(base, ceiling, attempt)
	}
	if bc.RequestsPerSecond > 0 {
		budget += time.Duration(float64(attempts) / bc.RequestsPerSecond * float64(time.Second))
	}
	return budget
}

func (g *Gateway) route(operation string) *binding {
	if name, ok := g.routes[operation]; ok {
		return g.bindings[name]
	}
	return g.bindings[g.defaultBackend]
}

func (g *Gateway) providerError(backend, operation string, attempts int, transient bool, cause error) error {
	return &domain.ProviderError{
		Backend:    backend,
		Operation:  operation,
		StatusCode: statusCode(cause),
		Attempts:   attempts,
		Transient:  transient,
		Cause:      cause,
	}
}

func (g *Gateway) canceled(ctx context.Context, backend, operation string, attempts int, cause error) error {
	metrics.IncProviderCall(backend, "canceled")
	g.logger.Info("provider call canceled",
		"backend", backend,
		"operation", operation,
		"attempts", attempts,
		"error", cause,
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("provider %s %s: %w", backend, operation, ctxErr)
	}
	return fmt.Errorf("provider %s %s: %w", backend, operation, cause)
}

// IsHealthy reports whether every backend answers a probe.
func (g *Gateway) IsHealthy(ctx context.Context) bool {
	for _, err := range g.Health(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// Check returns the probe failures of all unhealthy backends joined, or nil.
func (g *Gateway) Check(ctx context.Context) error {
	var errs []error
	for name, err := range g.Health(ctx) {
		if err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Health probes all backends concurrently and returns the error per backend
// name, nil for healthy ones.
func (g *Gateway) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(g.bindings))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, b := range g.bindings {
		wg.Add(1)
		go func(name string, b *binding) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			err := b.backend.Probe(probeCtx)
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}(name, b)
	}
	wg.Wait()
	return out
}

// Backends returns the configured backend names.
func (g *Gateway) Backends() []string {
	names := make([]string, 0, len(g.bindings))
	for name := range g.bindings {
		names = append(names, name)
	}
	return names
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
