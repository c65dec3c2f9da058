// Package llm 定义统一的 provider 接口与各家适配器（OpenAI/Anthropic/Gemini/自定义 OpenAI 兼容端点），
// 以及按模型名选择 provider 的 Router。
package llm

import (
	"context"
	"strings"
	"unicode/utf8"

	"llmgate/internal/pricing"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderCustom    = "custom"
)

const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
	Stream      bool
	UserID      string
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type ChatResponse struct {
	Content      string
	Model        string
	Provider     string
	FinishReason string
	Usage        Usage
}

// Chunk 是流式响应的一个增量；最后一个 chunk 带 FinishReason。
type Chunk struct {
	Delta        string
	FinishReason string
}

// Stream 由消费方拉取：Recv 在流正常结束后返回 io.EOF；Close 释放上游连接，可重复调用。
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Stream(ctx context.Context, req ChatRequest) (Stream, error)
	CountTokens(text string, model string) int
	Pricing(ctx context.Context, model string) (pricing.Pricing, error)
}

// EstimateTokens 以约 4 字符/token 估算，向上取整。
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// CountPromptTokens 累加所有消息内容的 token 估算。
func CountPromptTokens(p Provider, model string, msgs []Message) int64 {
	var total int64
	for _, m := range msgs {
		total += int64(p.CountTokens(m.Content, model))
	}
	return total
}

// base 聚合各适配器共享的 token 估算与定价解析。
type base struct {
	name     string
	resolver *pricing.Resolver
}

func (b base) Name() string { return b.name }

func (b base) CountTokens(text string, model string) int {
	return EstimateTokens(text)
}

func (b base) Pricing(ctx context.Context, model string) (pricing.Pricing, error) {
	return b.resolver.Resolve(ctx, b.name, model)
}

// finalizeUsage 在上游未返回用量时用估算值补齐，并保证 total = prompt + completion。
func finalizeUsage(u Usage, p Provider, req ChatRequest, content string) Usage {
	if u.PromptTokens <= 0 {
		u.PromptTokens = CountPromptTokens(p, req.Model, req.Messages)
	}
	if u.CompletionTokens <= 0 && content != "" {
		u.CompletionTokens = int64(p.CountTokens(content, req.Model))
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func splitSystem(msgs []Message) (system string, rest []Message) {
	var parts []string
	for _, m := range msgs {
		if strings.EqualFold(m.Role, "system") {
			if s := strings.TrimSpace(m.Content); s != "" {
				parts = append(parts, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

func trimBaseURL(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}
