// Package genai provides the language-model collaborator of the flow core using the OpenAI API:
// structured field extraction and reply generation, optionally streamed.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Defaults for the OpenAI client.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultTemperature         = 0.2
	DefaultMaxCompletionTokens = 800
)

// ErrNoChoicesReturned is returned when the completion carries no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chunkStream is the subset of the SDK's SSE stream the client reads.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// chatService defines the minimal chat completion surface, replaced by mocks in tests.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream
}

type sdkChat struct {
	svc *openai.ChatCompletionService
}

func (s sdkChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

func (s sdkChat) Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream {
	return s.svc.NewStreaming(ctx, params)
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int
	SystemPrompt        string
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. OPENAI_API_KEY is used when unset.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature of generated replies.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens bounds generated replies.
func WithMaxCompletionTokens(n int) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithSystemPrompt sets the persona prompt prepended to every generated reply.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// Client implements field extraction and reply generation.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int
	systemPrompt        string
}

// NewClient creates a client. The API key comes from options or OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	o := Opts{
		Model:               os.Getenv("OPENAI_MODEL"),
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		SystemPrompt:        defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(o.APIKey)}
	if o.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", o.Model, "baseURL_set", o.BaseURL != "")
	return &Client{
		chat:                sdkChat{svc: &cli.Chat.Completions},
		model:               o.Model,
		temperature:         o.Temperature,
		maxCompletionTokens: o.MaxCompletionTokens,
		systemPrompt:        o.SystemPrompt,
	}, nil
}

const defaultSystemPrompt = `You are a friendly onboarding assistant for an insurance and donation platform.
Ask for one thing at a time, keep replies short, and answer in the language of the instructions.
Never invent values the user did not give and never mention internal errors.`

const extractionPrompt = `Extract field values from the user's message.
Return a JSON object whose keys are field slugs from the list below and whose values are strings, numbers or booleans.
Only include fields the message actually states. Return {} when nothing applies.

Fields:
%s`

// ExtractFields asks the model for a JSON object of field values. The output is untrusted.
func (c *Client) ExtractFields(ctx context.Context, message, fieldsDescription, stageContext string) (map[string]any, error) {
	system := fmt.Sprintf(extractionPrompt, fieldsDescription)
	if stageContext != "" {
		system += "\nContext:\n" + stageContext
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(message),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	content, err := c.complete(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("extract fields: %w", err)
	}
	fields, err := ParseFields(content)
	if err != nil {
		slog.Warn("Client.ExtractFields: unparseable model output", "error", err, "length", len(content))
		return nil, err
	}
	slog.Debug("Client.ExtractFields: model output parsed", "count", len(fields))
	return fields, nil
}

// GenerateResponse produces the reply shown to the user.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, history []models.ChatMessage) (string, error) {
	content, err := c.complete(ctx, c.replyParams(prompt, history))
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	return strings.TrimSpace(content), nil
}

// StreamResponse streams the reply to sink as deltas arrive and returns the full text.
// A sink error stops the stream.
func (c *Client) StreamResponse(ctx context.Context, prompt string, history []models.ChatMessage, sink func(delta string) error) (string, error) {
	stream := c.chat.Stream(ctx, c.replyParams(prompt, history))
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if sink != nil {
			if err := sink(delta); err != nil {
				return b.String(), fmt.Errorf("stream sink: %w", err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), fmt.Errorf("stream response: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *Client) replyParams(prompt string, history []models.ChatMessage) openai.ChatCompletionNewParams {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(c.systemPrompt)}
	for _, m := range history {
		switch m.Role {
		case models.ChatRoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.SystemMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    msgs,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxCompletionTokens))
	}
	return params
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}
