package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/parley/pkg/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIAdapter talks to the Chat Completions API of OpenAI and compatible servers
type OpenAIAdapter struct {
	client  openai.Client
	http    *http.Client
	apiKey  string
	baseURL string
}

// NewOpenAI creates an OpenAI adapter. SDK retries are disabled; the retry controller
// owns backoff.
func NewOpenAI(apiKey, baseURL string, httpClient *http.Client) *OpenAIAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIAdapter{
		client:  openai.NewClient(opts...),
		http:    httpClient,
		apiKey:  apiKey,
		baseURL: trimBase(baseURL, defaultOpenAIBaseURL),
	}
}

// Name returns the provider name
func (p *OpenAIAdapter) Name() string {
	return OpenAI
}

// GenerateContent performs a single-shot call
func (p *OpenAIAdapter) GenerateContent(ctx context.Context, req llm.Request) (resp *llm.Response, err error) {
	ctx, done := observe(ctx, OpenAI, "generate", req.Model)
	defer func() { done(err) }()

	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapSDKError(OpenAI, err)
	}

	if len(response.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}

	choice := response.Choices[0]
	turn := llm.Turn{Role: llm.RoleModel}
	if choice.Message.Content != "" {
		turn.Parts = append(turn.Parts, llm.Part{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		call := llm.ToolCall{
			ID:     tc.ID,
			Name:   tc.Function.Name,
			Args:   parseArgs(OpenAI, tc.Function.Name, tc.Function.Arguments),
			Status: llm.ToolCallPending,
		}
		turn.Parts = append(turn.Parts, llm.Part{ToolCall: &call})
	}

	return &llm.Response{
		Turn:   turn,
		Finish: mapOpenAIFinish(string(choice.FinishReason)),
		Usage: &llm.Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

// GenerateContentStream opens a streaming call
func (p *OpenAIAdapter) GenerateContentStream(ctx context.Context, req llm.Request) (stream llm.Stream, err error) {
	ctx, done := observe(ctx, OpenAI, "stream", req.Model)
	defer func() { done(err) }()

	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OpenAI request: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err == nil {
		body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode OpenAI request: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	resp, err := postStream(ctx, p.http, OpenAI, p.baseURL+"/chat/completions", headers, body)
	if err != nil {
		return nil, err
	}

	return llm.NewDataStream(resp.Body, newOpenAIDecoder()), nil
}

// CountTokens estimates the count; the Chat Completions API has no counting endpoint
func (p *OpenAIAdapter) CountTokens(ctx context.Context, model string, contents []llm.Turn) (llm.TokenCount, error) {
	total := llm.EstimateTokens(contents)
	return llm.TokenCount{Total: &total}, nil
}

// EncodeHistory renders turns as the "messages" request body
func (p *OpenAIAdapter) EncodeHistory(turns []llm.Turn) ([]byte, error) {
	messages, err := toOpenAIMessages(turns)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"messages": messages})
}

// DecodeHistory parses a "messages" request body. Tool messages and a following user
// message collapse back into one user turn.
func (p *OpenAIAdapter) DecodeHistory(data []byte) ([]llm.Turn, error) {
	messages := gjson.GetBytes(data, "messages")
	if !messages.IsArray() {
		return nil, fmt.Errorf("openai body has no messages array")
	}

	var turns []llm.Turn
	openToolTurn := false
	for _, msg := range messages.Array() {
		switch msg.Get("role").String() {
		case "system", "developer":
			continue

		case "tool":
			if !openToolTurn {
				turns = append(turns, llm.Turn{Role: llm.RoleUser})
				openToolTurn = true
			}
			last := &turns[len(turns)-1]
			last.Parts = append(last.Parts, llm.Part{ToolResult: &llm.ToolResult{
				CallID: msg.Get("tool_call_id").String(),
				Name:   msg.Get("name").String(),
				Output: openAIContentText(msg.Get("content")),
			}})

		case "user":
			part := llm.Part{Text: openAIContentText(msg.Get("content"))}
			if openToolTurn {
				last := &turns[len(turns)-1]
				last.Parts = append(last.Parts, part)
			} else {
				turns = append(turns, llm.Turn{Role: llm.RoleUser, Parts: []llm.Part{part}})
			}
			openToolTurn = false

		case "assistant":
			openToolTurn = false
			turn := llm.Turn{Role: llm.RoleModel}
			if text := openAIContentText(msg.Get("content")); text != "" {
				turn.Parts = append(turn.Parts, llm.Part{Text: text})
			}
			for _, tc := range msg.Get("tool_calls").Array() {
				name := tc.Get("function.name").String()
				call := llm.ToolCall{
					ID:     tc.Get("id").String(),
					Name:   name,
					Args:   parseArgs(OpenAI, name, tc.Get("function.arguments").String()),
					Status: llm.ToolCallPending,
				}
				turn.Parts = append(turn.Parts, llm.Part{ToolCall: &call})
			}
			turns = append(turns, turn)
		}
	}
	return turns, nil
}

func (p *OpenAIAdapter) params(req llm.Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemInstruction != "" {
		messages = append(messages, openai.SystemMessage(req.SystemInstruction))
	}

	history, err := toOpenAIMessages(req.History)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	messages = append(messages, history...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Config.MaxTokens))
	}

	if req.Config.Temperature > 0 {
		params.Temperature = openai.Float(req.Config.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, decl := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        decl.Name,
					Description: openai.String(decl.Description),
					Parameters:  openai.FunctionParameters(decl.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

// toOpenAIMessages converts turns to chat messages. A user turn carrying tool results
// becomes one tool message per result, followed by a user message for any text.
func toOpenAIMessages(turns []llm.Turn) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		if t.Role == llm.RoleModel {
			msg, ok, err := assistantMessage(t)
			if err != nil {
				return nil, err
			}
			if ok {
				messages = append(messages, msg)
			}
			continue
		}

		var text strings.Builder
		for _, part := range t.Parts {
			switch {
			case part.ToolResult != nil:
				messages = append(messages, openai.ToolMessage(part.ToolResult.Output, part.ToolResult.CallID))
			case part.IsText():
				text.WriteString(part.Text)
			}
		}
		if text.Len() > 0 {
			messages = append(messages, openai.UserMessage(text.String()))
		}
	}
	return messages, nil
}

func assistantMessage(t llm.Turn) (openai.ChatCompletionMessageParamUnion, bool, error) {
	var text strings.Builder
	toolCalls := []openai.ChatCompletionMessageToolCallParam{}
	for _, part := range t.Parts {
		switch {
		case part.ToolCall != nil:
			args := part.ToolCall.Args
			if args == nil {
				args = map[string]interface{}{}
			}
			argsJSON, err := json.Marshal(args)
			if err != nil {
				return openai.ChatCompletionMessageParamUnion{}, false, fmt.Errorf("failed to marshal tool parameters: %w", err)
			}
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: part.ToolCall.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      part.ToolCall.Name,
					Arguments: string(argsJSON),
				},
			})
		case part.IsText():
			text.WriteString(part.Text)
		}
	}

	if len(toolCalls) > 0 {
		assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
		if text.Len() > 0 {
			assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text.String())}
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, true, nil
	}
	if text.Len() == 0 {
		return openai.ChatCompletionMessageParamUnion{}, false, nil
	}
	return openai.AssistantMessage(text.String()), true, nil
}

func openAIContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	for _, part := range content.Array() {
		if part.Get("type").String() == "text" {
			sb.WriteString(part.Get("text").String())
		}
	}
	return sb.String()
}

func mapOpenAIFinish(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishMaxTokens
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishSafety
	default:
		return llm.FinishUnknown
	}
}

// openAIDecoder normalizes chat.completion.chunk payloads. Tool-call deltas are keyed by
// their index and flushed when a finish_reason arrives; the stream ends at [DONE].
type openAIDecoder struct {
	calls    *llm.ToolCallAssembler
	finish   string
	sawDone  bool
	usage    llm.Usage
	sawUsage bool
}

func newOpenAIDecoder() *openAIDecoder {
	return &openAIDecoder{calls: llm.NewToolCallAssembler()}
}

func (d *openAIDecoder) Decode(payload []byte) ([]llm.Event, error) {
	if string(payload) == "[DONE]" {
		d.sawDone = true
		return nil, llm.ErrStopStream
	}
	if !gjson.ValidBytes(payload) {
		dropChunk(OpenAI, payload, "invalid json")
		return nil, nil
	}

	chunk := gjson.ParseBytes(payload)
	if e := chunk.Get("error"); e.Exists() {
		status := 0
		if code := e.Get("code"); code.Type == gjson.Number {
			status = int(code.Int())
		}
		return nil, llm.NewAPIError(OpenAI, status, e.Get("message").String())
	}

	if u := chunk.Get("usage"); u.IsObject() {
		d.usage = llm.Usage{
			InputTokens:  int(u.Get("prompt_tokens").Int()),
			OutputTokens: int(u.Get("completion_tokens").Int()),
		}
		d.sawUsage = true
	}

	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}

	var events []llm.Event
	delta := choice.Get("delta")
	if text := delta.Get("reasoning_content").String(); text != "" {
		events = append(events, llm.ThoughtEvent(text))
	}
	if text := delta.Get("content").String(); text != "" {
		events = append(events, llm.ContentEvent(text))
	}
	for _, tc := range delta.Get("tool_calls").Array() {
		key := tc.Get("index").String()
		id, name := tc.Get("id").String(), tc.Get("function.name").String()
		if id != "" || name != "" || !d.calls.Has(key) {
			d.calls.Start(key, id, name)
		}
		if args := tc.Get("function.arguments"); args.Exists() {
			d.calls.Append(key, args.String())
		}
	}

	if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		d.finish = fr.String()
		for _, call := range d.calls.Drain() {
			events = append(events, llm.ToolCallEvent(call))
		}
	}
	return events, nil
}

func (d *openAIDecoder) Finish() []llm.Event {
	var events []llm.Event
	for _, call := range d.calls.Drain() {
		events = append(events, llm.ToolCallEvent(call))
	}

	finish := mapOpenAIFinish(d.finish)
	if d.finish == "" && d.sawDone {
		finish = llm.FinishStop
	}
	return append(events, doneEvent(finish, d.usage, d.sawUsage))
}
