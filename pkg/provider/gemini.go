package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harun/parley/pkg/llm"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

// GeminiAdapter talks to the Gemini API. Non-streaming calls and token counting go through
// the genai client; streaming reads the SSE endpoint directly and decodes each chunk into
// genai.GenerateContentResponse.
type GeminiAdapter struct {
	client  *genai.Client
	http    *http.Client
	apiKey  string
	baseURL string
}

// NewGemini creates a Gemini adapter
func NewGemini(ctx context.Context, apiKey, baseURL string, httpClient *http.Client) (*GeminiAdapter, error) {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiAdapter{
		client:  client,
		http:    httpClient,
		apiKey:  apiKey,
		baseURL: trimBase(baseURL, defaultGeminiBaseURL),
	}, nil
}

// Name returns the provider name
func (g *GeminiAdapter) Name() string {
	return Gemini
}

// GenerateContent performs a single-shot call
func (g *GeminiAdapter) GenerateContent(ctx context.Context, req llm.Request) (resp *llm.Response, err error) {
	ctx, done := observe(ctx, Gemini, "generate", req.Model)
	defer func() { done(err) }()

	result, err := g.client.Models.GenerateContent(ctx, req.Model, toGenaiContents(req.History), g.config(req))
	if err != nil {
		return nil, wrapSDKError(Gemini, err)
	}

	if len(result.Candidates) == 0 {
		if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			return &llm.Response{Turn: llm.Turn{Role: llm.RoleModel}, Finish: llm.FinishSafety}, nil
		}
		return nil, llm.ErrEmptyResponse
	}

	cand := result.Candidates[0]
	turn := fromGenaiContent(cand.Content)
	turn.Role = llm.RoleModel

	out := &llm.Response{
		Turn:   turn,
		Finish: mapGeminiFinish(string(cand.FinishReason), len(turn.ToolCalls()) > 0),
		Usage:  geminiUsage(result.UsageMetadata),
	}
	for _, c := range result.AutomaticFunctionCallingHistory {
		out.AFCHistory = append(out.AFCHistory, fromGenaiContent(c))
	}
	return out, nil
}

// GenerateContentStream opens a streaming call
func (g *GeminiAdapter) GenerateContentStream(ctx context.Context, req llm.Request) (stream llm.Stream, err error) {
	ctx, done := observe(ctx, Gemini, "stream", req.Model)
	defer func() { done(err) }()

	body, err := json.Marshal(g.streamBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode Gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.baseURL, url.PathEscape(req.Model))
	resp, err := postStream(ctx, g.http, Gemini, endpoint, map[string]string{"x-goog-api-key": g.apiKey}, body)
	if err != nil {
		return nil, err
	}

	return llm.NewDataStream(resp.Body, &geminiDecoder{}), nil
}

// CountTokens asks the API for the prompt token count
func (g *GeminiAdapter) CountTokens(ctx context.Context, model string, contents []llm.Turn) (count llm.TokenCount, err error) {
	ctx, done := observe(ctx, Gemini, "count_tokens", model)
	defer func() { done(err) }()

	result, err := g.client.Models.CountTokens(ctx, model, toGenaiContents(contents), nil)
	if err != nil {
		return llm.TokenCount{}, wrapSDKError(Gemini, err)
	}
	total := int(result.TotalTokens)
	return llm.TokenCount{Total: &total}, nil
}

// EncodeHistory renders turns as the "contents" request body
func (g *GeminiAdapter) EncodeHistory(turns []llm.Turn) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"contents": toGenaiContents(turns)})
}

// DecodeHistory parses a "contents" request body
func (g *GeminiAdapter) DecodeHistory(data []byte) ([]llm.Turn, error) {
	raw := gjson.GetBytes(data, "contents")
	if !raw.IsArray() {
		return nil, fmt.Errorf("gemini body has no contents array")
	}

	var contents []*genai.Content
	if err := json.Unmarshal([]byte(raw.Raw), &contents); err != nil {
		return nil, fmt.Errorf("failed to decode Gemini contents: %w", err)
	}

	turns := make([]llm.Turn, 0, len(contents))
	for _, c := range contents {
		turns = append(turns, fromGenaiContent(c))
	}
	return turns, nil
}

func (g *GeminiAdapter) config(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Config.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Config.Temperature))
	}
	if req.Config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Config.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toGenaiTools(req.Tools)
	}
	return cfg
}

func (g *GeminiAdapter) streamBody(req llm.Request) map[string]interface{} {
	body := map[string]interface{}{
		"contents": toGenaiContents(req.History),
	}
	if req.SystemInstruction != "" {
		body["systemInstruction"] = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		body["tools"] = toGenaiTools(req.Tools)
	}

	gen := map[string]interface{}{}
	if req.Config.Temperature > 0 {
		gen["temperature"] = req.Config.Temperature
	}
	if req.Config.MaxTokens > 0 {
		gen["maxOutputTokens"] = req.Config.MaxTokens
	}
	if len(gen) > 0 {
		body["generationConfig"] = gen
	}
	return body
}

func toGenaiTools(decls []llm.FunctionDeclaration) []*genai.Tool {
	fns := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		fns = append(fns, &genai.FunctionDeclaration{
			Name:                 d.Name,
			Description:          d.Description,
			ParametersJsonSchema: d.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}
}

func toGenaiContents(turns []llm.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := string(genai.RoleUser)
		if t.Role == llm.RoleModel {
			role = string(genai.RoleModel)
		}

		c := &genai.Content{Role: role}
		for _, p := range t.Parts {
			switch {
			case p.ToolCall != nil:
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   p.ToolCall.ID,
					Name: p.ToolCall.Name,
					Args: p.ToolCall.Args,
				}})
			case p.ToolResult != nil:
				key := "output"
				if p.ToolResult.IsError {
					key = "error"
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       p.ToolResult.CallID,
					Name:     p.ToolResult.Name,
					Response: map[string]any{key: p.ToolResult.Output},
				}})
			default:
				c.Parts = append(c.Parts, &genai.Part{Text: p.Text, Thought: p.Thought})
			}
		}
		contents = append(contents, c)
	}
	return contents
}

func fromGenaiContent(c *genai.Content) llm.Turn {
	if c == nil {
		return llm.Turn{Role: llm.RoleModel}
	}

	turn := llm.Turn{Role: llm.RoleUser}
	if c.Role == string(genai.RoleModel) {
		turn.Role = llm.RoleModel
	}

	for _, p := range c.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.FunctionCall != nil:
			call := llm.ToolCall{
				ID:     p.FunctionCall.ID,
				Name:   p.FunctionCall.Name,
				Args:   p.FunctionCall.Args,
				Status: llm.ToolCallPending,
			}
			if call.ID == "" {
				call.ID = newCallID()
			}
			if call.Args == nil {
				call.Args = map[string]interface{}{}
			}
			turn.Parts = append(turn.Parts, llm.Part{ToolCall: &call})
		case p.FunctionResponse != nil:
			turn.Parts = append(turn.Parts, llm.Part{ToolResult: functionResponseResult(p.FunctionResponse)})
		case p.Text != "" || p.Thought:
			turn.Parts = append(turn.Parts, llm.Part{Text: p.Text, Thought: p.Thought})
		}
	}
	return turn
}

func functionResponseResult(fr *genai.FunctionResponse) *llm.ToolResult {
	res := &llm.ToolResult{CallID: fr.ID, Name: fr.Name}
	if v, ok := fr.Response["error"]; ok {
		res.IsError = true
		res.Output = stringify(v)
		return res
	}
	if v, ok := fr.Response["output"]; ok {
		res.Output = stringify(v)
		return res
	}
	res.Output = stringify(fr.Response)
	return res
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func newCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to generate tool call id")
		return "call"
	}
	return "call_" + id
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) *llm.Usage {
	if meta == nil {
		return nil
	}
	return &llm.Usage{
		InputTokens:  int(meta.PromptTokenCount),
		OutputTokens: int(meta.CandidatesTokenCount),
	}
}

func mapGeminiFinish(reason string, sawToolCall bool) llm.FinishReason {
	switch reason {
	case "STOP":
		if sawToolCall {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	case "MAX_TOKENS":
		return llm.FinishMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return llm.FinishSafety
	case "MALFORMED_FUNCTION_CALL":
		return llm.FinishError
	case "":
		if sawToolCall {
			return llm.FinishToolCalls
		}
		return llm.FinishUnknown
	default:
		return llm.FinishUnknown
	}
}

// geminiDecoder normalizes streamGenerateContent chunks. Function calls arrive whole.
type geminiDecoder struct {
	finish      string
	blocked     bool
	sawToolCall bool
	usage       llm.Usage
	sawUsage    bool
}

func (d *geminiDecoder) Decode(payload []byte) ([]llm.Event, error) {
	if !gjson.ValidBytes(payload) {
		dropChunk(Gemini, payload, "invalid json")
		return nil, nil
	}
	if e := gjson.GetBytes(payload, "error"); e.Exists() {
		return nil, llm.NewAPIError(Gemini, int(e.Get("code").Int()), e.Get("message").String())
	}

	var chunk genai.GenerateContentResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		dropChunk(Gemini, payload, err.Error())
		return nil, nil
	}

	if u := geminiUsage(chunk.UsageMetadata); u != nil {
		d.usage = *u
		d.sawUsage = true
	}
	if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
		d.blocked = true
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}

	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		d.finish = string(cand.FinishReason)
	}

	var events []llm.Event
	for _, p := range fromGenaiContent(cand.Content).Parts {
		switch {
		case p.ToolCall != nil:
			d.sawToolCall = true
			events = append(events, llm.ToolCallEvent(*p.ToolCall))
		case p.Thought:
			events = append(events, llm.ThoughtEvent(p.Text))
		case p.Text != "":
			events = append(events, llm.ContentEvent(p.Text))
		}
	}
	return events, nil
}

func (d *geminiDecoder) Finish() []llm.Event {
	finish := mapGeminiFinish(d.finish, d.sawToolCall)
	if d.blocked {
		finish = llm.FinishSafety
	}
	return []llm.Event{doneEvent(finish, d.usage, d.sawUsage)}
}
