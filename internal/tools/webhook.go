package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// DefaultWebhookTimeout bounds one tool call.
const DefaultWebhookTimeout = 30 * time.Second

// maxWebhookResponseBytes caps how much of a tool response is read.
const maxWebhookResponseBytes = 1 << 20

// WebhookOpts holds webhook executor configuration.
type WebhookOpts struct {
	HTTPClient *http.Client
	AuthToken  string
	Timeout    time.Duration
}

// WebhookOption configures a WebhookExecutor.
type WebhookOption func(*WebhookOpts)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(o *WebhookOpts) { o.HTTPClient = c }
}

// WithAuthToken sends "Authorization: Bearer <token>" on every call.
func WithAuthToken(token string) WebhookOption {
	return func(o *WebhookOpts) { o.AuthToken = token }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(o *WebhookOpts) { o.Timeout = d }
}

// WebhookExecutor posts tool calls to {baseURL}/{tool} and decodes a ToolResult.
type WebhookExecutor struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	timeout    time.Duration
}

// webhookRequest is the body sent to the tool endpoint.
type webhookRequest struct {
	Tool    models.ToolName    `json:"tool"`
	Payload map[string]any     `json:"payload"`
	Context models.ToolContext `json:"context"`
}

// NewWebhookExecutor creates an executor for the given base URL.
func NewWebhookExecutor(baseURL string, opts ...WebhookOption) (*WebhookExecutor, error) {
	var o WebhookOpts
	for _, opt := range opts {
		opt(&o)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tools webhook URL %q", baseURL)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultWebhookTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return &WebhookExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: o.HTTPClient,
		authToken:  o.AuthToken,
		timeout:    o.Timeout,
	}, nil
}

// Execute performs one tool call.
func (w *WebhookExecutor) Execute(ctx context.Context, name models.ToolName, payload map[string]any, tc models.ToolContext) models.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	body, err := json.Marshal(webhookRequest{Tool: name, Payload: payload, Context: tc})
	if err != nil {
		return models.Failure(models.ErrorCodeInternal, fmt.Sprintf("encode tool request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/"+url.PathEscape(string(name)), bytes.NewReader(body))
	if err != nil {
		return models.Failure(models.ErrorCodeInternal, fmt.Sprintf("build tool request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		slog.Warn("WebhookExecutor.Execute: request failed", "tool", name, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Failure(models.ErrorCodeTimeout, "tool call timed out")
		}
		return models.Failure(models.ErrorCodeUnknown, fmt.Sprintf("tool webhook connection failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return models.Failure(models.ErrorCodeUnknown, fmt.Sprintf("read tool response: %v", err))
	}
	slog.Debug("WebhookExecutor.Execute: response", "tool", name, "status", resp.StatusCode, "elapsed", time.Since(start))

	var result models.ToolResult
	decodeErr := json.Unmarshal(data, &result)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Providers may describe the failure in a ToolResult body even on error statuses.
		if decodeErr == nil && !result.Success && (result.Error != "" || result.ErrorCode != "") {
			return normalize(result)
		}
		code := models.ErrorCodeUnknown
		if resp.StatusCode == http.StatusTooManyRequests {
			code = models.ErrorCodeRateLimited
		}
		return models.Failure(code, fmt.Sprintf("tool webhook returned status code %d", resp.StatusCode))
	}
	if decodeErr != nil {
		return models.Failure(models.ErrorCodeUnknown, fmt.Sprintf("decode tool response: %v", decodeErr))
	}
	return normalize(result)
}
