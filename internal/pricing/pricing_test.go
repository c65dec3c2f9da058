package pricing

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"llmgate/internal/store"
)

func TestCalculate_AppliesMarkup(t *testing.T) {
	t.Parallel()

	p := Pricing{
		InputPer1K:    decimal.RequireFromString("0.003"),
		OutputPer1K:   decimal.RequireFromString("0.015"),
		MarkupPercent: decimal.RequireFromString("50"),
	}
	got := Calculate(1000, 2000, p)

	// 1*0.003 + 2*0.015 = 0.033；加价 50% => 0.0495
	if want := decimal.RequireFromString("0.033"); !got.ProviderCostUSD.Equal(want) {
		t.Fatalf("unexpected cost: got=%s want=%s", got.ProviderCostUSD, want)
	}
	if want := decimal.RequireFromString("0.0495"); !got.ChargeUSD.Equal(want) {
		t.Fatalf("unexpected charge: got=%s want=%s", got.ChargeUSD, want)
	}
	if !got.MarkupPercent.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected markup: got=%s", got.MarkupPercent)
	}
}

func TestCalculate_ZeroMarkupAndTruncation(t *testing.T) {
	t.Parallel()

	got := Calculate(10, 10, Default("google"))
	// 10/1000*0.00025 + 10/1000*0.00075 = 0.00001
	if want := decimal.RequireFromString("0.00001"); !got.ChargeUSD.Equal(want) {
		t.Fatalf("unexpected charge: got=%s want=%s", got.ChargeUSD, want)
	}
	if !got.ChargeUSD.Equal(got.ProviderCostUSD) {
		t.Fatalf("zero markup must not change cost: cost=%s charge=%s", got.ProviderCostUSD, got.ChargeUSD)
	}

	tiny := Calculate(1, 0, Default("google"))
	if !tiny.ChargeUSD.Equal(decimal.Zero) {
		t.Fatalf("expected sub-micro cost to truncate to zero, got=%s", tiny.ChargeUSD)
	}
}

func TestCalculate_NegativeTokensClamp(t *testing.T) {
	t.Parallel()

	got := Calculate(-5, -1, Default("openai"))
	if !got.ChargeUSD.IsZero() {
		t.Fatalf("expected zero, got=%s", got.ChargeUSD)
	}
}

func TestDefault_Table(t *testing.T) {
	t.Parallel()

	cases := []struct {
		provider string
		in, out  string
		markup   string
	}{
		{"openai", "0.001", "0.002", "50"},
		{"anthropic", "0.003", "0.015", "50"},
		{"google", "0.00025", "0.00075", "0"},
		{"custom", "0", "0", "0"},
		{"unknown", "0", "0", "0"},
	}
	for _, tc := range cases {
		p := Default(tc.provider)
		if !p.InputPer1K.Equal(decimal.RequireFromString(tc.in)) ||
			!p.OutputPer1K.Equal(decimal.RequireFromString(tc.out)) ||
			!p.MarkupPercent.Equal(decimal.RequireFromString(tc.markup)) {
			t.Fatalf("Default(%q) = %+v", tc.provider, p)
		}
	}
}

type fakePricingStore struct {
	row store.ModelPricing
	err error
}

func (f fakePricingStore) GetModelPricing(ctx context.Context, provider, model string) (store.ModelPricing, error) {
	return f.row, f.err
}

func TestResolver_FallsBackOnMiss(t *testing.T) {
	t.Parallel()

	r := NewResolver(fakePricingStore{err: sql.ErrNoRows})
	got, err := r.Resolve(context.Background(), "anthropic", "claude-3-haiku-20240307")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.OutputPer1K.Equal(decimal.RequireFromString("0.015")) {
		t.Fatalf("expected anthropic default, got=%+v", got)
	}
}

func TestResolver_UsesStoredRow(t *testing.T) {
	t.Parallel()

	row := store.ModelPricing{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPer1K:    decimal.RequireFromString("0.0025"),
		OutputPer1K:   decimal.RequireFromString("0.01"),
		MarkupPercent: decimal.RequireFromString("20"),
	}
	r := NewResolver(fakePricingStore{row: row})
	got, err := r.Resolve(context.Background(), "openai", "gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.InputPer1K.Equal(row.InputPer1K) || !got.MarkupPercent.Equal(row.MarkupPercent) {
		t.Fatalf("unexpected pricing: %+v", got)
	}
}

func TestResolver_PropagatesStoreError(t *testing.T) {
	t.Parallel()

	r := NewResolver(fakePricingStore{err: errors.New("db down")})
	if _, err := r.Resolve(context.Background(), "openai", "gpt-4o"); err == nil {
		t.Fatalf("expected error, got nil")
	}
}
