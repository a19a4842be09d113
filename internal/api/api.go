// Package api exposes the conversation engine over HTTP.
//
// Routes:
//
//	POST   /v1/turns                  process one user message (JSON, or SSE with ?stream=true)
//	GET    /v1/flows                  list loaded flows
//	GET    /v1/conversations/{id}     inspect a conversation (?flow=, ?user=)
//	DELETE /v1/conversations/{id}     forget where a conversation is
//	POST   /v1/webhooks/twilio        inbound WhatsApp messages, when configured
//	GET    /metrics                   Prometheus metrics, when configured
//	GET    /healthz                   liveness
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/util"
)

const (
	// DefaultShutdownTimeout bounds graceful shutdown in Run.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultTurnTimeout bounds one POST /v1/turns.
	DefaultTurnTimeout = 2 * time.Minute
	// MaxRequestBytes caps JSON request bodies.
	MaxRequestBytes = 1 << 20
)

// Engine is the conversation engine surface the API serves.
type Engine interface {
	ProcessTurn(ctx context.Context, req models.TurnRequest) (*flow.TurnResult, error)
	ProcessTurnStream(ctx context.Context, req models.TurnRequest, sink func(delta string) error) (*flow.TurnResult, error)
	Inspect(ctx context.Context, conversationID, userID, flowSlug string) (*flow.ConversationView, error)
	Reset(ctx context.Context, conversationID string) error
	Registry() *flow.Registry
}

var _ Engine = (*flow.Engine)(nil)

// Opts holds API server configuration.
type Opts struct {
	TwilioWebhook  http.HandlerFunc
	MetricsHandler http.Handler
	Stream         bool
	TurnTimeout    time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithTwilioWebhook mounts h at POST /v1/webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.MetricsHandler = h }
}

// WithStreaming makes POST /v1/turns stream by default.
func WithStreaming(enabled bool) Option {
	return func(o *Opts) { o.Stream = enabled }
}

// WithTurnTimeout overrides DefaultTurnTimeout.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

// Server serves the HTTP API. Turns of the same conversation are serialized.
type Server struct {
	engine   Engine
	opts     Opts
	validate *validator.Validate
	locks    *util.KeyedMutex
}

// NewServer creates a Server for engine.
func NewServer(engine Engine, opts ...Option) *Server {
	o := Opts{TurnTimeout: DefaultTurnTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		engine:   engine,
		opts:     o,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		locks:    util.NewKeyedMutex(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", s.turnsHandler)
	mux.HandleFunc("GET /v1/flows", s.flowsHandler)
	mux.HandleFunc("GET /v1/conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.deleteConversationHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /v1/webhooks/twilio", s.opts.TwilioWebhook)
	}
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}
	return mux
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("Server.Run: listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
