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

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 1024
)

type Anthropic struct {
	base
	baseURL string
	apiKey  string
	client  *upstream.Client
}

func NewAnthropic(apiKey, baseURL string, client *upstream.Client, resolver *pricing.Resolver) *Anthropic {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &Anthropic{
		base:    base{name: ProviderAnthropic, resolver: resolver},
		baseURL: trimBaseURL(baseURL),
		apiKey:  strings.TrimSpace(apiKey),
		client:  client,
	}
}

func (p *Anthropic) headers() http.Header {
	h := make(http.Header)
	h.Set("x-api-key", p.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

// buildBody 把 system 消息拆到顶层 system 字段；max_tokens 为必填，缺省 1024。
func (p *Anthropic) buildBody(req ChatRequest) ([]byte, error) {
	system, msgs := splitSystem(req.Messages)
	maxTokens := anthropicMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "max_tokens", maxTokens); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages", msgs); err != nil {
		return nil, err
	}
	if system != "" {
		if body, err = sjson.SetBytes(body, "system", system); err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *req.Temperature); err != nil {
			return nil, err
		}
	}
	if req.UserID != "" {
		if body, err = sjson.SetBytes(body, "metadata.user_id", req.UserID); err != nil {
			return nil, err
		}
	}
	if req.Stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (p *Anthropic) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	body, err := p.buildBody(req)
	if err != nil {
		return ChatResponse{}, apierror.Wrap(apierror.KindInternal, p.name, err)
	}
	resp, err := p.client.PostJSON(ctx, p.name, p.baseURL+"/v1/messages", p.headers(), body, false)
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

	var sb strings.Builder
	gjson.GetBytes(raw, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	content := sb.String()
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		model = req.Model
	}
	usage := Usage{
		PromptTokens:     gjson.GetBytes(raw, "usage.input_tokens").Int(),
		CompletionTokens: gjson.GetBytes(raw, "usage.output_tokens").Int(),
	}
	return ChatResponse{
		Content:      content,
		Model:        model,
		Provider:     p.name,
		FinishReason: anthropicFinishReason(gjson.GetBytes(raw, "stop_reason").String()),
		Usage:        finalizeUsage(usage, p, req, content),
	}, nil
}

func (p *Anthropic) Stream(ctx context.Context, req ChatRequest) (Stream, error) {
	req.Stream = true
	body, err := p.buildBody(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, p.name, err)
	}
	resp, err := p.client.PostJSON(ctx, p.name, p.baseURL+"/v1/messages", p.headers(), body, true)
	if err != nil {
		return nil, err
	}
	return newSSEStream(p.name, resp, parseAnthropicEvent), nil
}

func parseAnthropicEvent(data string) (Chunk, bool, error) {
	if !gjson.Valid(data) {
		return Chunk{}, false, errors.New("invalid stream event from upstream")
	}
	switch gjson.Get(data, "type").String() {
	case "content_block_delta":
		text := gjson.Get(data, "delta.text").String()
		if text == "" {
			return Chunk{}, false, nil
		}
		return Chunk{Delta: text}, true, nil
	case "message_delta":
		reason := gjson.Get(data, "delta.stop_reason").String()
		if reason == "" {
			return Chunk{}, false, nil
		}
		return Chunk{FinishReason: anthropicFinishReason(reason)}, true, nil
	case "error":
		msg := gjson.Get(data, "error.message").String()
		if t := gjson.Get(data, "error.type").String(); t == "overloaded_error" {
			return Chunk{}, false, apierror.New(apierror.KindProviderServiceUnavailable, msg)
		}
		return Chunk{}, false, errors.New(msg)
	default:
		// message_start / content_block_start / content_block_stop / ping / message_stop
		return Chunk{}, false, nil
	}
}

func anthropicFinishReason(r string) string {
	switch r {
	case "", "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	default:
		return r
	}
}
