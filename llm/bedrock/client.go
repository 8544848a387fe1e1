package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"mealscan"
	"mealscan/storage"
	"mealscan/tools"
)

const (
	// defaultModelID is the default model ID for Bedrock Claude.
	// It's an inference profile ID or ARN, not the foundation model's ID.
	// See https://docs.aws.amazon.com/bedrock/latest/userguide/inference-profiles.html.
	defaultModelID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

	// Controls the maximum number of tokens the model can generate in one response.
	defaultMaxTokens = 1024

	// Low temperature keeps outputs more deterministic, which is better for tool use and structured JSON.
	defaultTemperature = 0.2

	// Low top_p keeps outputs focused, which is better for tool use and structured JSON.
	defaultTopP = 0.9
)

type bedrockRuntimeClient interface {
	Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type Opts struct {
	ModelID     string
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// Client maps the neutral completion contract onto the Bedrock Converse
// API. Credentials are SigV4, so there is no key rotation here; the SDK
// retryer absorbs transient faults.
type Client struct {
	brc  bedrockRuntimeClient
	opts Opts
}

func NewClient(brc bedrockRuntimeClient, opts Opts) *Client {
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = defaultTopP
	}
	return &Client{
		brc:  brc,
		opts: opts,
	}
}

func (c *Client) Complete(ctx context.Context, req mealscan.ChatRequest) (mealscan.ChatResponse, error) {
	slog.Info("LLM_CLIENT: Converse invoked", "messages_len", len(req.Messages))

	// Build system block
	var sys []types.SystemContentBlock
	for _, m := range req.Messages {
		if m.Role == mealscan.RoleSystem {
			sys = append(sys, &types.SystemContentBlockMemberText{Value: m.Content})
		}
	}

	// Build messages
	var msgs []types.Message
	for _, m := range req.Messages {
		if m.Role == mealscan.RoleSystem {
			continue // already handled above
		}
		msg, err := toConverseMessage(m)
		if err != nil {
			return mealscan.ChatResponse{}, err
		}
		msgs = append(msgs, msg)
	}

	// Build tools
	var toolConfig *types.ToolConfiguration
	if len(req.Tools) > 0 {
		var defs []types.Tool
		for _, t := range req.Tools {
			spec, err := buildToolSpec(t)
			if err != nil {
				slog.Error("LLM_CLIENT: Failed to build tool spec", "error", err)
				continue
			}
			defs = append(defs, &types.ToolMemberToolSpec{Value: spec})
		}
		toolConfig = &types.ToolConfiguration{Tools: defs, ToolChoice: &types.ToolChoiceMemberAuto{}}
	}

	modelID := c.opts.ModelID
	if req.Model != "" {
		modelID = req.Model
	}
	maxTokens := c.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	temperature := c.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  &modelID,
		System:   sys,
		Messages: msgs,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(maxTokens),
			Temperature: aws.Float32(temperature),
			TopP:        aws.Float32(c.opts.TopP),
		},
		ToolConfig: toolConfig,
	}
	out, err := c.brc.Converse(ctx, in)
	if err != nil {
		slog.Error("LLM_CLIENT: Bedrock Converse failed", "error", err)
		return mealscan.ChatResponse{}, err
	}

	usage := mealscan.TokenUsage{}
	if out.Usage != nil {
		usage.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}

	slog.Info("LLM_CLIENT: Bedrock Converse succeeded",
		"stop_reason", out.StopReason,
		"input_tokens", usage.PromptTokens,
		"output_tokens", usage.CompletionTokens,
	)

	resp := mealscan.ChatResponse{Model: modelID, Usage: usage}

	switch out.StopReason {
	case "tool_use":
		calls, err := toolCallsFromOutput(out)
		if err != nil {
			return mealscan.ChatResponse{}, fmt.Errorf("failed to parse tool calls: %w", err)
		}
		resp.ToolCalls = calls
		return resp, nil

	case "end_turn", "stop_sequence":
		text, err := textFromOutput(out)
		if err != nil {
			return mealscan.ChatResponse{}, fmt.Errorf("failed to extract final text: %w", err)
		}
		resp.Content = text
		return resp, nil

	case "max_tokens":
		return mealscan.ChatResponse{}, fmt.Errorf("model hit MaxTokens limit; consider increasing MaxTokens or chunking")

	case "safety", "content_filtered":
		return mealscan.ChatResponse{}, fmt.Errorf("model response blocked by Bedrock safety filters")

	default:
		// Fallback if the model didn't specify a stop reason
		text, err := textFromOutput(out)
		if err != nil {
			return mealscan.ChatResponse{}, fmt.Errorf("failed to extract text: %w", err)
		}
		calls, err := toolCallsFromOutput(out)
		if err != nil {
			return mealscan.ChatResponse{}, fmt.Errorf("failed to parse tool calls: %w", err)
		}
		resp.Content = text
		resp.ToolCalls = calls
		return resp, nil
	}
}

func toConverseMessage(m mealscan.ChatMessage) (types.Message, error) {
	switch m.Role {
	case mealscan.RoleUser:
		msg := types.Message{Role: types.ConversationRoleUser}
		if m.Content != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
		}
		if m.Image != nil {
			msg.Content = append(msg.Content, &types.ContentBlockMemberImage{
				Value: types.ImageBlock{
					Format: imageFormat(m.Image),
					Source: &types.ImageSourceMemberBytes{Value: m.Image.Bytes},
				},
			})
		}
		return msg, nil

	case mealscan.RoleAssistant:
		msg := types.Message{Role: types.ConversationRoleAssistant}
		if m.Content != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, call := range m.ToolCalls {
			input := freshMap(call.Input)
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ToolUseID),
					Name:      aws.String(call.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		return msg, nil

	case mealscan.RoleTool:
		// Converse carries tool results inside a user-role message.
		var result map[string]any
		if err := json.Unmarshal([]byte(m.Content), &result); err != nil {
			result = map[string]any{"output": m.Content}
		}
		return types.Message{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Status:    types.ToolResultStatusSuccess,
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberJson{
								Value: document.NewLazyDocument(result),
							},
						},
					},
				},
			},
		}, nil

	default:
		return types.Message{}, fmt.Errorf("unsupported message role %q", m.Role)
	}
}

// freshMap round-trips the input through JSON so the document encoder never
// sees values aliased into other goroutines' state.
func freshMap(in map[string]any) map[string]any {
	out := make(map[string]any)
	b, _ := json.Marshal(in)
	if err := json.Unmarshal(b, &out); err != nil {
		for k, v := range in {
			out[k] = v
		}
	}
	return out
}

func imageFormat(img *mealscan.ImageAttachment) types.ImageFormat {
	mime := img.MIME
	if mime == "" {
		mime = storage.DetectMIME(img.Bytes)
	}
	switch mime {
	case "image/png":
		return types.ImageFormatPng
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatJpeg
	}
}

// buildToolSpec constructs a ToolSpecification for a tool.
func buildToolSpec(t tools.Tool) (types.ToolSpecification, error) {
	// Pre-marshal the schema so its custom MarshalJSON runs before the
	// document encoder sees it, then parse back to a plain map.
	schemaJSON, err := json.Marshal(t.InputSchema())
	if err != nil {
		return types.ToolSpecification{}, fmt.Errorf("failed to marshal tool schema for %s: %w", t.Name(), err)
	}

	var schemaMap map[string]any
	if err := json.Unmarshal(schemaJSON, &schemaMap); err != nil {
		return types.ToolSpecification{}, fmt.Errorf("failed to unmarshal tool schema for %s: %w", t.Name(), err)
	}

	return types.ToolSpecification{
		Name:        aws.String(t.Name()),
		Description: aws.String(t.Description()),
		InputSchema: &types.ToolInputSchemaMemberJson{
			Value: document.NewLazyDocument(schemaMap),
		},
	}, nil
}

// textFromOutput returns assistant text optimized for pipeline use:
// 1) If any text block looks like a single JSON object, return the last such block.
// 2) Else, if there's only one text block, return it.
// 3) Else, join all text blocks with '\n'.
func textFromOutput(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil || out.Output == nil {
		return "", nil
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil || len(msg.Value.Content) == 0 {
		return "", nil
	}

	texts := make([]string, 0, len(msg.Value.Content))
	for _, cb := range msg.Value.Content {
		if t, ok := cb.(*types.ContentBlockMemberText); ok && t != nil && t.Value != "" {
			texts = append(texts, t.Value)
		}
	}
	if len(texts) == 0 {
		return "", nil
	}

	// Prefer a single JSON object if present (typical for final structured output)
	for i := len(texts) - 1; i >= 0; i-- {
		s := strings.TrimSpace(texts[i])
		if len(s) > 1 && s[0] == '{' && s[len(s)-1] == '}' {
			return s, nil
		}
	}

	// Single block fast path
	if len(texts) == 1 {
		return texts[0], nil
	}

	// Join with one allocation
	total := len(texts) - 1 // for newlines
	for _, s := range texts {
		total += len(s)
	}

	var b strings.Builder
	b.Grow(total)

	for i, s := range texts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}

	return b.String(), nil
}

// toolCallsFromOutput extracts tool uses emitted by the assistant.
func toolCallsFromOutput(out *bedrockruntime.ConverseOutput) ([]tools.Call, error) {
	var calls []tools.Call

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil || msg.Value.Content == nil {
		return calls, nil
	}

	for _, cb := range msg.Value.Content {
		tu, ok := cb.(*types.ContentBlockMemberToolUse)
		if !ok || tu == nil {
			continue
		}

		var input map[string]any
		if err := tu.Value.Input.UnmarshalSmithyDocument(&input); err != nil {
			input = map[string]any{}
		}

		// Normalize deeply instead of just top-level floats
		normalized := normalizeInput(input).(map[string]any)

		calls = append(calls, tools.Call{
			Name:      aws.ToString(tu.Value.Name),
			Input:     normalized,
			ToolUseID: aws.ToString(tu.Value.ToolUseId),
		})
	}

	return calls, nil
}

// normalizeInput recursively coerces types for safe downstream use.
func normalizeInput(val any) any {
	switch v := val.(type) {
	case float64:
		// Convert whole numbers like 2.0 → 2
		if v == float64(int(v)) {
			return int(v)
		}
		return v

	case string:
		// Check if it's a stringified JSON array or object
		var decoded any
		if json.Unmarshal([]byte(v), &decoded) == nil {
			return normalizeInput(decoded)
		}
		return v

	case []any:
		// Recursively clean each array element
		for i := range v {
			v[i] = normalizeInput(v[i])
		}
		return v

	case map[string]any:
		// Recursively clean each map value
		for key, val := range v {
			v[key] = normalizeInput(val)
		}
		return v

	default:
		return v
	}
}
