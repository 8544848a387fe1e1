package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/atomic"

	"mealscan"
	"mealscan/storage"
	"mealscan/tools"
)

const defaultMaxRetries = 3

// Client drives an OpenAI-compatible chat completion API through a pool of
// API keys. A throttled or rejected key rotates the pool cursor and the
// request retries immediately on the next key; transient transport faults
// retry on the same key with exponential backoff. A pool of one still
// rotates (onto itself) so the retry bound holds regardless of pool size.
type Client struct {
	pool       []*goopenai.Client
	cursor     *atomic.Uint32
	model      string
	maxRetries int
	baseDelay  time.Duration
}

type Opts struct {
	BaseURL    string
	Model      string
	MaxRetries int
	HTTPClient *http.Client
}

func NewClient(keys []string, opts Opts) (*Client, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	pool := make([]*goopenai.Client, 0, len(keys))
	for _, key := range keys {
		cfg := goopenai.DefaultConfig(key)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		if opts.HTTPClient != nil {
			cfg.HTTPClient = opts.HTTPClient
		}
		pool = append(pool, goopenai.NewClientWithConfig(cfg))
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		pool:       pool,
		cursor:     atomic.NewUint32(0),
		model:      opts.Model,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
	}, nil
}

// Complete sends one chat completion request, rotating API keys and
// retrying per the pool policy. The caller's ctx carries the per-stage
// timeout.
func (c *Client) Complete(ctx context.Context, req mealscan.ChatRequest) (mealscan.ChatResponse, error) {
	wireReq, err := c.buildRequest(req)
	if err != nil {
		return mealscan.ChatResponse{}, err
	}

	var last error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		client := c.pool[int(c.cursor.Load())%len(c.pool)]

		resp, err := client.CreateChatCompletion(ctx, wireReq)
		if err == nil {
			return toResponse(resp)
		}

		last = classify(err)
		if mealscan.IsRateLimit(last) || mealscan.IsAuth(last) {
			next := c.rotate()
			slog.Warn("LLM_CLIENT: rotating API key",
				"attempt", attempt+1,
				"next_key_index", next,
				"error", err)
			continue
		}

		if ctx.Err() != nil {
			return mealscan.ChatResponse{}, ctx.Err()
		}

		// Transport faults back off before the next attempt; the final
		// attempt has none, so it returns without sleeping.
		if mealscan.IsTransport(last) && attempt < c.maxRetries-1 {
			delay := c.baseDelay * (1 << attempt)
			slog.Warn("LLM_CLIENT: completion failed, backing off",
				"attempt", attempt+1,
				"delay", delay,
				"error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return mealscan.ChatResponse{}, ctx.Err()
			}
		}
	}

	return mealscan.ChatResponse{}, &mealscan.RetryError{Attempts: c.maxRetries, Last: last}
}

func (c *Client) rotate() int {
	return int(c.cursor.Add(1)) % len(c.pool)
}

func (c *Client) buildRequest(req mealscan.ChatRequest) (goopenai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	temperature := req.Temperature
	if temperature == 0 {
		// the wire format drops a zero temperature, which the provider
		// would replace with its 1.0 default
		temperature = math.SmallestNonzeroFloat32
	}

	wire := goopenai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	}

	for _, msg := range req.Messages {
		m, err := toWireMessage(msg)
		if err != nil {
			return goopenai.ChatCompletionRequest{}, err
		}
		wire.Messages = append(wire.Messages, m)
	}

	for _, tool := range req.Tools {
		params, err := json.Marshal(tool.InputSchema())
		if err != nil {
			return goopenai.ChatCompletionRequest{}, fmt.Errorf("failed to marshal schema for tool %s: %w", tool.Name(), err)
		}
		wire.Tools = append(wire.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  json.RawMessage(params),
			},
		})
	}

	return wire, nil
}

func toWireMessage(msg mealscan.ChatMessage) (goopenai.ChatCompletionMessage, error) {
	switch msg.Role {
	case mealscan.RoleSystem:
		return goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: msg.Content,
		}, nil

	case mealscan.RoleUser:
		m := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser}
		if msg.Image != nil {
			m.MultiContent = []goopenai.ChatMessagePart{
				{Type: goopenai.ChatMessagePartTypeText, Text: msg.Content},
				{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: dataURL(msg.Image)},
				},
			}
		} else {
			m.Content = msg.Content
		}
		return m, nil

	case mealscan.RoleAssistant:
		m := goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleAssistant,
			Content: msg.Content,
		}
		for _, call := range msg.ToolCalls {
			args, err := json.Marshal(call.Input)
			if err != nil {
				return goopenai.ChatCompletionMessage{}, fmt.Errorf("failed to marshal args for tool call %s: %w", call.Name, err)
			}
			m.ToolCalls = append(m.ToolCalls, goopenai.ToolCall{
				ID:   call.ToolUseID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		return m, nil

	case mealscan.RoleTool:
		return goopenai.ChatCompletionMessage{
			Role:       goopenai.ChatMessageRoleTool,
			Content:    msg.Content,
			Name:       msg.ToolName,
			ToolCallID: msg.ToolCallID,
		}, nil

	default:
		return goopenai.ChatCompletionMessage{}, fmt.Errorf("unsupported message role %q", msg.Role)
	}
}

func dataURL(img *mealscan.ImageAttachment) string {
	mime := img.MIME
	if mime == "" {
		mime = storage.DetectMIME(img.Bytes)
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Bytes))
}

func toResponse(resp goopenai.ChatCompletionResponse) (mealscan.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return mealscan.ChatResponse{}, fmt.Errorf("completion returned no choices")
	}
	choice := resp.Choices[0].Message

	out := mealscan.ChatResponse{
		Content: choice.Content,
		Model:   resp.Model,
		Usage: mealscan.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return mealscan.ChatResponse{}, fmt.Errorf("failed to decode arguments for tool call %s: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, tools.Call{
			Name:      tc.Function.Name,
			Input:     input,
			ToolUseID: tc.ID,
		})
	}

	return out, nil
}

// classify maps SDK errors onto the retry taxonomy: 429 rotates, 401/403
// rotates, anything else is treated as transport and backed off.
func classify(err error) error {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return &mealscan.TransportError{Provider: "openai", Err: err}
	}

	switch status {
	case http.StatusTooManyRequests:
		return &mealscan.RateLimitError{Provider: "openai", Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &mealscan.AuthError{Provider: "openai", Status: status, Err: err}
	}
	return &mealscan.TransportError{Provider: "openai", Err: err}
}
