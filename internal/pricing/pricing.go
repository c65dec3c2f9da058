// Package pricing 负责模型单价解析与费用计算：单价以 USD/1K tokens 计，加价以百分比计。
package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"llmgate/internal/store"
)

// USDScale 与账本列精度保持一致（DECIMAL(20,6)）。
const USDScale = int32(6)

type Pricing struct {
	InputPer1K    decimal.Decimal `json:"input_per_1k"`
	OutputPer1K   decimal.Decimal `json:"output_per_1k"`
	MarkupPercent decimal.Decimal `json:"markup_percent"`
}

type Cost struct {
	ProviderCostUSD decimal.Decimal `json:"provider_cost_usd"`
	ChargeUSD       decimal.Decimal `json:"charge_usd"`
	MarkupPercent   decimal.Decimal `json:"markup_percent"`
}

var thousand = decimal.NewFromInt(1000)
var hundred = decimal.NewFromInt(100)

func mustPricing(in, out, markup string) Pricing {
	return Pricing{
		InputPer1K:    decimal.RequireFromString(in),
		OutputPer1K:   decimal.RequireFromString(out),
		MarkupPercent: decimal.RequireFromString(markup),
	}
}

// providerDefaults 在模型未单独定价时兜底。
var providerDefaults = map[string]Pricing{
	"openai":    mustPricing("0.001", "0.002", "50"),
	"anthropic": mustPricing("0.003", "0.015", "50"),
	"google":    mustPricing("0.00025", "0.00075", "0"),
	"custom":    mustPricing("0", "0", "0"),
}

// Default 返回 provider 级默认单价；未知 provider 视为免费的 custom。
func Default(provider string) Pricing {
	if p, ok := providerDefaults[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return p
	}
	return providerDefaults["custom"]
}

// Calculate 是纯函数：cost = prompt/1000*in + completion/1000*out；charge = cost*(1+markup/100)。
func Calculate(promptTokens, completionTokens int64, p Pricing) Cost {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	in := decimal.NewFromInt(promptTokens).Div(thousand).Mul(p.InputPer1K)
	out := decimal.NewFromInt(completionTokens).Div(thousand).Mul(p.OutputPer1K)
	cost := in.Add(out)
	charge := cost.Mul(decimal.NewFromInt(1).Add(p.MarkupPercent.Div(hundred)))
	return Cost{
		ProviderCostUSD: cost.Truncate(USDScale),
		ChargeUSD:       charge.Truncate(USDScale),
		MarkupPercent:   p.MarkupPercent,
	}
}

type Store interface {
	GetModelPricing(ctx context.Context, provider, model string) (store.ModelPricing, error)
}

// Resolver 先查 (provider, model) 定价表，缺失时回落到 provider 默认值。
type Resolver struct {
	st Store
}

func NewResolver(st Store) *Resolver {
	return &Resolver{st: st}
}

func (r *Resolver) Resolve(ctx context.Context, provider, model string) (Pricing, error) {
	if r == nil || r.st == nil {
		return Default(provider), nil
	}
	row, err := r.st.GetModelPricing(ctx, provider, model)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Default(provider), nil
		}
		return Pricing{}, fmt.Errorf("查询模型定价失败: %w", err)
	}
	return Pricing{
		InputPer1K:    row.InputPer1K,
		OutputPer1K:   row.OutputPer1K,
		MarkupPercent: row.MarkupPercent,
	}, nil
}
