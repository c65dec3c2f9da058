package llm

import (
	"fmt"

	"llmgate/internal/pricing"
	"llmgate/internal/security"
	"llmgate/internal/upstream"
)

// NewCustom 构造指向任意 OpenAI 兼容端点的适配器；base_url 必须能通过校验。
func NewCustom(apiKey, baseURL string, client *upstream.Client, resolver *pricing.Resolver) (*OpenAI, error) {
	u, err := security.ValidateBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("custom provider base_url 无效: %w", err)
	}
	p := NewOpenAI(apiKey, u.String(), client, resolver)
	p.base.name = ProviderCustom
	return p, nil
}
