package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/parley/pkg/llm"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter talks to the Anthropic Messages API
type AnthropicAdapter struct {
	client  anthropic.Client
	http    *http.Client
	apiKey  string
	baseURL string
}

// NewAnthropic creates an Anthropic adapter. SDK retries are disabled; the retry
// controller owns backoff.
func NewAnthropic(apiKey, baseURL string, httpClient *http.Client) *AnthropicAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicAdapter{
		client:  anthropic.NewClient(opts...),
		http:    httpClient,
		apiKey:  apiKey,
		baseURL: trimBase(baseURL, defaultAnthropicBaseURL),
	}
}

// Name returns the provider name
func (a *AnthropicAdapter) Name() string {
	return Anthropic
}

// GenerateContent performs a single-shot call
func (a *AnthropicAdapter) GenerateContent(ctx context.Context, req llm.Request) (resp *llm.Response, err error) {
	ctx, done := observe(ctx, Anthropic, "generate", req.Model)
	defer func() { done(err) }()

	response, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return nil, wrapSDKError(Anthropic, err)
	}

	turn := llm.Turn{Role: llm.RoleModel}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if b.Text != "" {
				turn.Parts = append(turn.Parts, llm.Part{Text: b.Text})
			}
		case anthropic.ThinkingBlock:
			turn.Parts = append(turn.Parts, llm.Part{Text: b.Thinking, Thought: true})
		case anthropic.ToolUseBlock:
			call := llm.ToolCall{ID: b.ID, Name: b.Name, Args: parseArgs(Anthropic, b.Name, b.JSON.Input.Raw()), Status: llm.ToolCallPending}
			turn.Parts = append(turn.Parts, llm.Part{ToolCall: &call})
		}
	}

	return &llm.Response{
		Turn:   turn,
		Finish: mapAnthropicStop(string(response.StopReason)),
		Usage: &llm.Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// GenerateContentStream opens a streaming call
func (a *AnthropicAdapter) GenerateContentStream(ctx context.Context, req llm.Request) (stream llm.Stream, err error) {
	ctx, done := observe(ctx, Anthropic, "stream", req.Model)
	defer func() { done(err) }()

	body, err := json.Marshal(a.params(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode Anthropic request: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode Anthropic request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
	resp, err := postStream(ctx, a.http, Anthropic, a.baseURL+"/v1/messages", headers, body)
	if err != nil {
		return nil, err
	}

	return llm.NewDataStream(resp.Body, newAnthropicDecoder()), nil
}

// CountTokens uses the count_tokens endpoint
func (a *AnthropicAdapter) CountTokens(ctx context.Context, model string, contents []llm.Turn) (count llm.TokenCount, err error) {
	messages := toAnthropicMessages(contents)
	if len(messages) == 0 {
		zero := 0
		return llm.TokenCount{Total: &zero}, nil
	}

	ctx, done := observe(ctx, Anthropic, "count_tokens", model)
	defer func() { done(err) }()

	result, err := a.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(model),
		Messages: messages,
	})
	if err != nil {
		return llm.TokenCount{}, wrapSDKError(Anthropic, err)
	}
	total := int(result.InputTokens)
	return llm.TokenCount{Total: &total}, nil
}

// EncodeHistory renders turns as the "messages" request body
func (a *AnthropicAdapter) EncodeHistory(turns []llm.Turn) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"messages": toAnthropicMessages(turns)})
}

// DecodeHistory parses a "messages" request body
func (a *AnthropicAdapter) DecodeHistory(data []byte) ([]llm.Turn, error) {
	messages := gjson.GetBytes(data, "messages")
	if !messages.IsArray() {
		return nil, fmt.Errorf("anthropic body has no messages array")
	}

	var turns []llm.Turn
	for _, msg := range messages.Array() {
		turn := llm.Turn{Role: llm.RoleUser}
		if msg.Get("role").String() == "assistant" {
			turn.Role = llm.RoleModel
		}

		content := msg.Get("content")
		if content.Type == gjson.String {
			turn.Parts = append(turn.Parts, llm.Part{Text: content.String()})
			turns = append(turns, turn)
			continue
		}

		for _, block := range content.Array() {
			switch block.Get("type").String() {
			case "text":
				turn.Parts = append(turn.Parts, llm.Part{Text: block.Get("text").String()})
			case "thinking":
				turn.Parts = append(turn.Parts, llm.Part{Text: block.Get("thinking").String(), Thought: true})
			case "tool_use":
				call := llm.ToolCall{
					ID:     block.Get("id").String(),
					Name:   block.Get("name").String(),
					Args:   parseArgs(Anthropic, block.Get("name").String(), block.Get("input").Raw),
					Status: llm.ToolCallPending,
				}
				turn.Parts = append(turn.Parts, llm.Part{ToolCall: &call})
			case "tool_result":
				turn.Parts = append(turn.Parts, llm.Part{ToolResult: &llm.ToolResult{
					CallID:  block.Get("tool_use_id").String(),
					Output:  anthropicResultText(block.Get("content")),
					IsError: block.Get("is_error").Bool(),
				}})
			}
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (a *AnthropicAdapter) params(req llm.Request) anthropic.MessageNewParams {
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(req.History),
		MaxTokens: int64(maxTokens),
	}

	if req.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemInstruction},
		}
	}

	if req.Config.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Config.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, decl := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        decl.Name,
				Description: anthropic.String(decl.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: decl.Parameters["properties"],
				},
			}
			toolParam.InputSchema.Required = requiredFields(decl.Parameters)
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

// toAnthropicMessages converts turns to message params. Thought parts are not replayed
// since they cannot be sent back without their signature.
func toAnthropicMessages(turns []llm.Turn) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.Parts))
		for _, p := range t.Parts {
			switch {
			case p.ToolCall != nil:
				args := p.ToolCall.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolCall.ID, args, p.ToolCall.Name))
			case p.ToolResult != nil:
				blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolResult.CallID, p.ToolResult.Output, p.ToolResult.IsError))
			case p.Thought:
				continue
			case p.Text != "":
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if t.Role == llm.RoleModel {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}
	return messages
}

func anthropicResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var out string
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			out += block.Get("text").String()
		}
	}
	return out
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// parseArgs decodes tool arguments. Malformed JSON yields empty arguments so the tool
// adapter's validation and repair can respond to it.
func parseArgs(provider, tool, raw string) map[string]interface{} {
	args := map[string]interface{}{}
	if raw == "" || raw == "null" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		log.Warn().
			Str("provider", provider).
			Str("tool", tool).
			Int("bytes", len(raw)).
			Msg("Tool call arguments are not a JSON object")
		return map[string]interface{}{}
	}
	return args
}

func mapAnthropicStop(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishMaxTokens
	case "tool_use":
		return llm.FinishToolCalls
	case "refusal":
		return llm.FinishSafety
	default:
		return llm.FinishUnknown
	}
}

func anthropicErrorStatus(kind string) int {
	switch kind {
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "overloaded_error":
		return 529
	case "api_error":
		return http.StatusInternalServerError
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "not_found_error":
		return http.StatusNotFound
	case "invalid_request_error":
		return http.StatusBadRequest
	default:
		return 0
	}
}

// anthropicDecoder normalizes Messages API stream events. Tool-use blocks are assembled
// from input_json_delta fragments and emitted at content_block_stop.
type anthropicDecoder struct {
	calls    *llm.ToolCallAssembler
	stop     string
	usage    llm.Usage
	sawUsage bool
}

func newAnthropicDecoder() *anthropicDecoder {
	return &anthropicDecoder{calls: llm.NewToolCallAssembler()}
}

func (d *anthropicDecoder) Decode(payload []byte) ([]llm.Event, error) {
	if !gjson.ValidBytes(payload) {
		dropChunk(Anthropic, payload, "invalid json")
		return nil, nil
	}

	ev := gjson.ParseBytes(payload)
	index := ev.Get("index").String()

	switch ev.Get("type").String() {
	case "message_start":
		if u := ev.Get("message.usage"); u.Exists() {
			d.usage.InputTokens = int(u.Get("input_tokens").Int())
			d.sawUsage = true
		}

	case "content_block_start":
		block := ev.Get("content_block")
		switch block.Get("type").String() {
		case "tool_use":
			d.calls.Start(index, block.Get("id").String(), block.Get("name").String())
			if input := block.Get("input"); input.IsObject() && len(input.Map()) > 0 {
				d.calls.Append(index, input.Raw)
			}
		case "text":
			if text := block.Get("text").String(); text != "" {
				return []llm.Event{llm.ContentEvent(text)}, nil
			}
		case "thinking":
			if text := block.Get("thinking").String(); text != "" {
				return []llm.Event{llm.ThoughtEvent(text)}, nil
			}
		}

	case "content_block_delta":
		delta := ev.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			if text := delta.Get("text").String(); text != "" {
				return []llm.Event{llm.ContentEvent(text)}, nil
			}
		case "thinking_delta":
			if text := delta.Get("thinking").String(); text != "" {
				return []llm.Event{llm.ThoughtEvent(text)}, nil
			}
		case "input_json_delta":
			d.calls.Append(index, delta.Get("partial_json").String())
		}

	case "content_block_stop":
		if d.calls.Has(index) {
			if call, ok := d.calls.Finish(index); ok {
				return []llm.Event{llm.ToolCallEvent(call)}, nil
			}
		}

	case "message_delta":
		if reason := ev.Get("delta.stop_reason").String(); reason != "" {
			d.stop = reason
		}
		if out := ev.Get("usage.output_tokens"); out.Exists() {
			d.usage.OutputTokens = int(out.Int())
			d.sawUsage = true
		}

	case "message_stop":
		return nil, llm.ErrStopStream

	case "error":
		kind := ev.Get("error.type").String()
		return nil, llm.NewAPIError(Anthropic, anthropicErrorStatus(kind), kind+": "+ev.Get("error.message").String())
	}

	return nil, nil
}

func (d *anthropicDecoder) Finish() []llm.Event {
	var events []llm.Event
	for _, call := range d.calls.Drain() {
		events = append(events, llm.ToolCallEvent(call))
	}
	return append(events, doneEvent(mapAnthropicStop(d.stop), d.usage, d.sawUsage))
}
