package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"llmgate/internal/apierror"
	"llmgate/internal/pricing"
	"llmgate/internal/upstream"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI 适配 /chat/completions；Custom 复用同一实现指向任意 OpenAI 兼容端点。
type OpenAI struct {
	base
	baseURL string
	apiKey  string
	client  *upstream.Client
}

func NewOpenAI(apiKey, baseURL string, client *upstream.Client, resolver *pricing.Resolver) *OpenAI {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAI{
		base:    base{name: ProviderOpenAI, resolver: resolver},
		baseURL: trimBaseURL(baseURL),
		apiKey:  strings.TrimSpace(apiKey),
		client:  client,
	}
}

func (p *OpenAI) headers() http.Header {
	h := make(http.Header)
	if p.apiKey != "" {
		h.Set("Authorization", "Bearer "+p.apiKey)
	}
	return h
}

func (p *OpenAI) buildBody(req ChatRequest) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages", req.Messages); err != nil {
		return nil, err
	}
	if req.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *req.Temperature); err != nil {
			return nil, err
		}
	}
	if req.MaxTokens != nil {
		if body, err = sjson.SetBytes(body, "max_tokens", *req.MaxTokens); err != nil {
			return nil, err
		}
	}
	if req.UserID != "" {
		if body, err = sjson.SetBytes(body, "user", req.UserID); err != nil {
			return nil, err
		}
	}
	if req.Stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	body, err := p.buildBody(req)
	if err != nil {
		return ChatResponse{}, apierror.Wrap(apierror.KindInternal, p.name, err)
	}
	resp, err := p.client.PostJSON(ctx, p.name, p.baseURL+"/chat/completions", p.headers(), body, false)
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
	choice := gjson.GetBytes(raw, "choices.0")
	if !choice.Exists() {
		return ChatResponse{}, apierror.New(apierror.KindProviderServiceUnavailable, "upstream returned no choices").WithProvider(p.name)
	}
	content := choice.Get("message.content").String()
	finish := choice.Get("finish_reason").String()
	if finish == "" {
		finish = FinishStop
	}
	if finish == FinishContentFilter && content == "" {
		return ChatResponse{}, apierror.New(apierror.KindProviderContentFilter, "response blocked by content filter").WithProvider(p.name)
	}
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		model = req.Model
	}
	usage := Usage{
		PromptTokens:     gjson.GetBytes(raw, "usage.prompt_tokens").Int(),
		CompletionTokens: gjson.GetBytes(raw, "usage.completion_tokens").Int(),
	}
	return ChatResponse{
		Content:      content,
		Model:        model,
		Provider:     p.name,
		FinishReason: finish,
		Usage:        finalizeUsage(usage, p, req, content),
	}, nil
}

func (p *OpenAI) Stream(ctx context.Context, req ChatRequest) (Stream, error) {
	req.Stream = true
	body, err := p.buildBody(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, p.name, err)
	}
	resp, err := p.client.PostJSON(ctx, p.name, p.baseURL+"/chat/completions", p.headers(), body, true)
	if err != nil {
		return nil, err
	}
	return newSSEStream(p.name, resp, parseOpenAIEvent), nil
}

func parseOpenAIEvent(data string) (Chunk, bool, error) {
	if !gjson.Valid(data) {
		return Chunk{}, false, errors.New("invalid stream event from upstream")
	}
	if msg := gjson.Get(data, "error.message"); msg.Exists() {
		return Chunk{}, false, errors.New(msg.String())
	}
	choice := gjson.Get(data, "choices.0")
	if !choice.Exists() {
		// include_usage 的最后一个事件只有 usage，没有 choices。
		return Chunk{}, false, nil
	}
	c := Chunk{
		Delta:        choice.Get("delta.content").String(),
		FinishReason: choice.Get("finish_reason").String(),
	}
	if c.Delta == "" && c.FinishReason == "" {
		return Chunk{}, false, nil
	}
	return c, true, nil
}
