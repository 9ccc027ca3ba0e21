// Package httpapi implements the HTTP API gateway for the sandbox.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 512 KiB)
//   - Per-client rate limiting via token bucket
//   - All executions logged with their execution IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/observability"
	"github.com/jkaninda/memsandbox/internal/security"
)

const defaultMaxRequestSize = 512 << 10

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// RateLimitedBody is returned with HTTP 429.
type RateLimitedBody struct {
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        security.APIKeys // API key → client name.
	MaxRequestSize int64            // Maximum request body in bytes. 0 = 512 KiB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /healthz and /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	engine *engine.Engine
	logger *slog.Logger
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket endpoint).
	extraRoutes []extraRoute

	routesOnce sync.Once
	okapi      *okapi.Okapi
	group      *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, eng *engine.Engine, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config: cfg,
		engine: eng,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "memsandbox",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used to add the WebSocket execution stream alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Handler returns the gateway's routes as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.routesOnce.Do(g.registerRoutes)
	return g.okapi
}

func (g *Gateway) registerRoutes() {
	// Authenticated /v1 group, instrumented when observability is on.
	mws := []okapi.Middleware{g.limitBody}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mws = append(mws, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	mws = append(mws, g.authenticate)
	g.group = g.okapi.Group("/v1", mws...)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute JavaScript in the sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(engine.Outcome{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, RateLimitedBody{}),
	)
	g.group.Post("/execute/stream", g.handleExecuteStream,
		okapi.DocSummary("Execute JavaScript and stream progress via SSE"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Run the static validator without executing"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(engine.ValidationReport{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Sandbox execution statistics"),
		okapi.DocTags("Monitoring"),
		okapi.DocResponse(engine.Stats{}),
	)
	g.group.Post("/episodes", g.handleEpisodeAppend,
		okapi.DocSummary("Record an episode in the memory store"),
		okapi.DocTags("Memory"),
		okapi.DocRequestBody(EpisodeRequest{}),
		okapi.DocResponse(http.StatusCreated, memory.Episode{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/episodes", g.handleEpisodeQuery,
		okapi.DocSummary("Search the memory store"),
		okapi.DocTags("Memory"),
		okapi.DocResponse([]memory.Episode{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routesOnce.Do(g.registerRoutes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	// Hijacked WebSocket connections keep the server deadlines.
	if len(g.extraRoutes) == 0 {
		g.server.ReadTimeout = 30 * time.Second
		g.server.WriteTimeout = 60 * time.Second
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	if err := g.okapi.StartServer(g.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http api gateway: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code      string          `json:"code"`
	Task      string          `json:"task,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Preset    string          `json:"preset,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"` // Lowers the preset's limit.
}

func (r ExecuteRequest) toEngine(client string) engine.Request {
	return engine.Request{
		Client:  client,
		Gateway: engine.GatewayHTTP,
		Code:    r.Code,
		Task:    r.Task,
		Input:   r.Input,
		Preset:  r.Preset,
		Timeout: time.Duration(r.TimeoutMs) * time.Millisecond,
	}
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	client := c.GetString("client")

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	out, err := g.engine.Execute(c.Context(), req.toEngine(client))
	if err != nil {
		return g.engineError(c, err)
	}

	g.logger.Info("http execution",
		slog.String("client", client),
		slog.String("execution_id", out.ExecutionID),
		slog.String("outcome", string(out.Result.Kind)),
		slog.Duration("elapsed", out.Elapsed),
	)
	return c.OK(out)
}

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Code   string `json:"code"`
	Preset string `json:"preset,omitempty"`
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	report, err := g.engine.Validate(req.Code, req.Preset)
	if err != nil {
		return g.engineError(c, err)
	}
	return c.OK(report)
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	return c.OK(g.engine.Stats())
}

// EpisodeRequest is the JSON body for POST /v1/episodes.
type EpisodeRequest struct {
	Task    string   `json:"task"`
	Content string   `json:"content"`
	Outcome string   `json:"outcome,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

func (g *Gateway) handleEpisodeAppend(c *okapi.Context) error {
	var req EpisodeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	ep := &memory.Episode{Task: req.Task, Content: req.Content, Outcome: req.Outcome, Tags: req.Tags}
	if err := g.engine.AppendEpisode(c.Context(), ep); err != nil {
		return g.engineError(c, err)
	}
	return c.JSON(http.StatusCreated, ep)
}

func (g *Gateway) handleEpisodeQuery(c *okapi.Context) error {
	q := c.Request().URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.AbortBadRequest("limit must be an integer")
		}
		limit = n
	}
	eps, err := g.engine.QueryEpisodes(c.Context(), q.Get("q"), limit)
	if err != nil {
		return g.engineError(c, err)
	}
	if eps == nil {
		eps = []memory.Episode{}
	}
	return c.OK(eps)
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe. It answers 200 while the
// process can serve; a degraded sandbox pool is reported in the body.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth(c.Context()))
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

// authenticate validates the API key and stores the mapped client name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		client, err := g.config.APIKeys.Authenticate(c.Header("Authorization"))
		if err != nil {
			if errors.Is(err, security.ErrMissingAPIKey) {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// limitBody caps the request body before any handler reads it.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.ContentLength > g.config.MaxRequestSize {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		return next(c)
	}
}

// --- Helpers ---

// engineError maps engine errors to HTTP responses.
func (g *Gateway) engineError(c *okapi.Context, err error) error {
	var rl *engine.RateLimitError
	switch {
	case errors.As(err, &rl):
		return c.JSON(http.StatusTooManyRequests, RateLimitedBody{
			Error:        "rate limit exceeded",
			RetryAfterMs: max(rl.RetryAfter.Milliseconds(), 1),
		})
	case errors.Is(err, engine.ErrPresetNotAllowed):
		return c.JSON(http.StatusForbidden, ErrorBody{Error: err.Error()})
	case errors.Is(err, engine.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	case errors.Is(err, engine.ErrEpisodesUnavailable):
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("http request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("internal error")
	}
}
