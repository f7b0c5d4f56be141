// Package api implements the ingress surface of corpusd: the versioned
// HTTP/JSON API that starts workflows, introspects executions, delivers
// review signals, and serves principal inboxes, plus the WebSocket endpoint
// streaming inbox signals to live subscribers.
//
// The package trusts an external token verifier to resolve the opaque bearer
// token into a principal; it never interprets tokens itself. Request bodies
// are validated against embedded JSON schemas before any orchestrator call,
// and every error leaves as the {detail} envelope.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/inbox"
	"github.com/corpusworks/corpus/telemetry"
)

// Defaults applied by New.
const (
	// DefaultInboxPageSize is the inbox list page when the caller passes no
	// limit.
	DefaultInboxPageSize = 50
	// MaxInboxPageSize caps the inbox list page.
	MaxInboxPageSize = 500
	// MaxListLimit caps GET /workflows result size.
	MaxListLimit = 200
	// MaxBodyBytes bounds request bodies, matching the engine's 256 KiB
	// input cap.
	MaxBodyBytes = 256 << 10
)

type (
	// Options assembles the API service. Engine, Inbox, and Verifier are
	// required.
	Options struct {
		// Engine is the orchestrator client behind every workflow endpoint.
		Engine engine.Client
		// Inbox serves the signal inbox endpoints and WS backlog replay.
		Inbox *inbox.Service
		// Subscriber feeds live signals to WebSocket connections. Nil makes
		// the WS endpoint poll the unread backlog instead, which keeps dev
		// mode working without Redis.
		Subscriber *inbox.Subscriber
		// Verifier resolves bearer tokens to principals.
		Verifier TokenVerifier

		// RateLimitRPS caps requests per second per principal. Zero
		// disables rate limiting.
		RateLimitRPS float64
		// RateLimitBurst is the per-principal burst. Zero uses RateLimitRPS
		// rounded up.
		RateLimitBurst int
		// CORSOrigins lists allowed origins. Empty disables CORS handling.
		CORSOrigins []string

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Service carries the handler dependencies.
	Service struct {
		engine   engine.Client
		inbox    *inbox.Service
		feed     *inbox.Subscriber
		verifier TokenVerifier
		limiter  *principalLimiter
		origins  []string
		schemas  *schemaSet
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}
)

// New validates opts and builds the service.
func New(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("api: engine client is required")
	}
	if opts.Inbox == nil {
		return nil, errors.New("api: inbox service is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("api: token verifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Service{
		engine:   opts.Engine,
		inbox:    opts.Inbox,
		feed:     opts.Subscriber,
		verifier: opts.Verifier,
		origins:  opts.CORSOrigins,
		schemas:  schemas,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = newPrincipalLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	return s, nil
}

// Handler builds the /api/v1 router. The caller mounts it and wraps it with
// process-level middleware (request logging, debug).
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Route("/api/v1", func(r chi.Router) {
		// The WS handshake authenticates through the token query parameter
		// and its auth message, not the Authorization header.
		r.Get("/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit)
			r.Use(s.observe)

			r.Post("/documents", s.handleStartDocument)
			r.Post("/questions", s.handleStartQuestion)
			r.Post("/reviews", s.handleStartReview)

			r.Get("/workflows", s.handleListWorkflows)
			r.Get("/workflows/{workflowID}", s.handleDescribeWorkflow)
			r.Get("/workflows/{workflowID}/status", s.handleWorkflowStatus)
			r.Get("/workflows/{workflowID}/results", s.handleWorkflowResults)
			r.Post("/workflows/{workflowID}/signal", s.handleSignalWorkflow)

			r.Get("/inbox/signals", s.handleInboxList)
			r.Get("/inbox/signals/unread-count", s.handleInboxUnreadCount)
			r.Post("/inbox/signals/{sequence}/read", s.handleInboxRead)
		})
	})
	return r
}

// observe records request counts and latency per route pattern.
func (s *Service) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		next.ServeHTTP(w, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.IncCounter(telemetry.MetricAPIRequests, 1, "method", r.Method, "route", pattern)
		s.metrics.RecordTimer(telemetry.MetricAPILatency, s.now().Sub(start), "route", pattern)
	})
}
