// Package tools implements the tool executor contract stage actions call into.
//
// The flow engine only knows tool names and ToolResult values. Handlers may run in process
// (Registry) or behind an HTTP endpoint (WebhookExecutor).
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Executor runs a named tool. Failures are reported inside the ToolResult, never as a Go error.
type Executor interface {
	Execute(ctx context.Context, name models.ToolName, payload map[string]any, tc models.ToolContext) models.ToolResult
}

// Handler is an in-process tool implementation. A returned error becomes a failed ToolResult; use
// *Error to attach an error code.
type Handler func(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error)

// Error is a tool failure carrying a provider error code.
type Error struct {
	Code    models.ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewError creates a coded tool error.
func NewError(code models.ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Opts holds registry configuration.
type Opts struct {
	Fallback Executor
}

// Option configures a Registry.
type Option func(*Opts)

// WithFallback sets the executor used for tools that have no in-process handler.
func WithFallback(e Executor) Option {
	return func(o *Opts) { o.Fallback = e }
}

// Registry dispatches to in-process handlers by tool name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.ToolName]Handler
	fallback Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{handlers: map[models.ToolName]Handler{}, fallback: o.Fallback}
}

// Register installs a handler for a known tool name.
func (r *Registry) Register(name models.ToolName, h Handler) error {
	if !name.IsKnown() {
		return fmt.Errorf("unknown tool %q", name)
	}
	if h == nil {
		return fmt.Errorf("nil handler for tool %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Has reports whether name can be executed.
func (r *Registry) Has(name models.ToolName) bool {
	r.mu.RLock()
	_, ok := r.handlers[name]
	r.mu.RUnlock()
	return ok || r.fallback != nil
}

// Execute runs the handler for name. Panics and errors are converted into failed results.
func (r *Registry) Execute(ctx context.Context, name models.ToolName, payload map[string]any, tc models.ToolContext) (result models.ToolResult) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		if r.fallback != nil {
			return normalize(r.fallback.Execute(ctx, name, payload, tc))
		}
		slog.Warn("Registry.Execute: no handler for tool", "tool", name, "conversationID", tc.ConversationID)
		return models.Failure(models.ErrorCodeToolNotFound, fmt.Sprintf("tool %q is not available", name))
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Registry.Execute: tool panicked", "tool", name, "panic", fmt.Sprint(p))
			result = models.Failure(models.ErrorCodeInternal, "internal error in tool "+string(name))
		}
	}()

	slog.Debug("Registry.Execute: running tool", "tool", name, "conversationID", tc.ConversationID, "stage", tc.Stage)
	res, err := h(ctx, payload, tc)
	if err != nil {
		return failureFromError(ctx, err)
	}
	return normalize(res)
}

func failureFromError(ctx context.Context, err error) models.ToolResult {
	var te *Error
	switch {
	case errors.As(err, &te):
		return models.Failure(models.ParseErrorCode(string(te.Code)), te.Message)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.Failure(models.ErrorCodeTimeout, "tool call timed out")
	}
	return models.Failure(models.ErrorCodeUnknown, err.Error())
}

// normalize maps provider error codes onto the closed set.
func normalize(r models.ToolResult) models.ToolResult {
	if r.Success {
		r.Error = ""
		r.ErrorCode = ""
		return r
	}
	if r.ErrorCode != "" {
		r.ErrorCode = models.ParseErrorCode(string(r.ErrorCode))
	}
	if r.Error == "" {
		r.Error = "tool failed"
	}
	return r
}
