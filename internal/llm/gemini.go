package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"llmgate/internal/apierror"
	"llmgate/internal/pricing"
	"llmgate/internal/upstream"
)

const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

type Gemini struct {
	base
	baseURL string
	apiKey  string
	client  *upstream.Client
}

func NewGemini(apiKey, baseURL string, client *upstream.Client, resolver *pricing.Resolver) *Gemini {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultGeminiBaseURL
	}
	return &Gemini{
		base:    base{name: ProviderGoogle, resolver: resolver},
		baseURL: trimBaseURL(baseURL),
		apiKey:  strings.TrimSpace(apiKey),
		client:  client,
	}
}

// endpoint 不携带 key：URL 可能出现在网络错误文本里，凭据只走 x-goog-api-key 头。
func (p *Gemini) endpoint(model string, stream bool) string {
	model = strings.TrimPrefix(model, "models/")
	if stream {
		return p.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
	}
	return p.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
}

func (p *Gemini) headers() http.Header {
	h := make(http.Header)
	h.Set("x-goog-api-key", p.apiKey)
	return h
}

// buildBody 映射为 contents/parts；assistant 角色对应 model，system 消息进入 systemInstruction。
func (p *Gemini) buildBody(req ChatRequest) ([]byte, error) {
	system, msgs := splitSystem(req.Messages)
	body := []byte(`{"contents":[]}`)
	var err error
	for i, m := range msgs {
		role := "user"
		if strings.EqualFold(m.Role, "assistant") || strings.EqualFold(m.Role, "model") {
			role = "model"
		}
		prefix := "contents." + strconv.Itoa(i)
		if body, err = sjson.SetBytes(body, prefix+".role", role); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, prefix+".parts.0.text", m.Content); err != nil {
			return nil, err
		}
	}
	if system != "" {
		if body, err = sjson.SetBytes(body, "systemInstruction.parts.0.text", system); err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil {
		if body, err = sjson.SetBytes(body, "generationConfig.temperature", *req.Temperature); err != nil {
			return nil, err
		}
	}
	if req.MaxTokens != nil {
		if body, err = sjson.SetBytes(body, "generationConfig.maxOutputTokens", *req.MaxTokens); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (p *Gemini) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return ChatResponse{}, apierror.Wrap(apierror.KindInternal, p.name, err)
	}
	resp, err := p.client.PostJSON(ctx, p.name, p.endpoint(req.Model, false), p.headers(), body, false)
	if err != nil {
		return ChatResponse{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResponse{}, apierror.Normalize(p.name, err)
	}
	if !gjson.ValidBytes(raw) {
		return ChatResponse{}, apierror.New(apierror.KindProviderServiceUnavailable, "invalid JSON from upstream").WithProvider(p.name)
	}
	if reason := gjson.GetBytes(raw, "promptFeedback.blockReason").String(); reason != "" {
		return ChatResponse{}, apierror.Newf(apierror.KindProviderContentFilter, "prompt blocked: %s", reason).WithProvider(p.name)
	}

	content := geminiText(gjson.GetBytes(raw, "candidates.0"))
	finish := geminiFinishReason(gjson.GetBytes(raw, "candidates.0.finishReason").String())
	if finish == FinishContentFilter && content == "" {
		return ChatResponse{}, apierror.New(apierror.KindProviderContentFilter, "response blocked by safety settings").WithProvider(p.name)
	}
	usage := Usage{
		PromptTokens:     gjson.GetBytes(raw, "usageMetadata.promptTokenCount").Int(),
		CompletionTokens: gjson.GetBytes(raw, "usageMetadata.candidatesTokenCount").Int(),
	}
	model := strings.TrimPrefix(gjson.GetBytes(raw, "modelVersion").String(), "models/")
	if model == "" {
		model = req.Model
	}
	return ChatResponse{
		Content:      content,
		Model:        model,
		Provider:     p.name,
		FinishReason: finish,
		Usage:        finalizeUsage(usage, p, req, content),
	}, nil
}

func (p *Gemini) Stream(ctx context.Context, req ChatRequest) (Stream, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, p.name, err)
	}
	resp, err := p.client.PostJSON(ctx, p.name, p.endpoint(req.Model, true), p.headers(), body, true)
	if err != nil {
		return nil, err
	}
	return newSSEStream(p.name, resp, parseGeminiEvent), nil
}

// Gemini 的每个事件都是完整的 GenerateContentResponse；最后一个带 finishReason，可能同时带文本。
func parseGeminiEvent(data string) (Chunk, bool, error) {
	if !gjson.Valid(data) {
		return Chunk{}, false, errors.New("invalid stream event from upstream")
	}
	if msg := gjson.Get(data, "error.message"); msg.Exists() {
		return Chunk{}, false, errors.New(msg.String())
	}
	if reason := gjson.Get(data, "promptFeedback.blockReason").String(); reason != "" {
		return Chunk{}, false, apierror.Newf(apierror.KindProviderContentFilter, "prompt blocked: %s", reason)
	}
	cand := gjson.Get(data, "candidates.0")
	c := Chunk{Delta: geminiText(cand)}
	if r := cand.Get("finishReason").String(); r != "" {
		c.FinishReason = geminiFinishReason(r)
	}
	if c.Delta == "" && c.FinishReason == "" {
		return Chunk{}, false, nil
	}
	return c, true, nil
}

func geminiText(cand gjson.Result) string {
	var sb strings.Builder
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		sb.WriteString(part.Get("text").String())
		return true
	})
	return sb.String()
}

func geminiFinishReason(r string) string {
	switch strings.ToUpper(r) {
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishContentFilter
	default:
		return strings.ToLower(r)
	}
}
