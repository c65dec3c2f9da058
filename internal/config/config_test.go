package config

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeHTTPBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		in         string
		label      string
		want       string
		wantErrSub string
	}{
		{name: "empty ok", in: "", label: "site_base_url", want: ""},
		{name: "trim ok", in: " https://example.com/ ", label: "site_base_url", want: "https://example.com"},
		{name: "trim right slash ok", in: "https://example.com/", label: "site_base_url", want: "https://example.com"},
		{name: "path ok", in: "https://example.com/gateway/", label: "site_base_url", want: "https://example.com/gateway"},
		{name: "invalid scheme", in: "ftp://example.com", label: "site_base_url", wantErrSub: "site_base_url 仅支持 http/https"},
		{name: "missing host", in: "https://", label: "site_base_url", wantErrSub: "site_base_url host 不能为空"},
		{name: "parse error", in: "://bad", label: "site_base_url", wantErrSub: "解析 site_base_url 失败"},
		{name: "no label scheme", in: "ftp://example.com", label: "", wantErrSub: "base_url 仅支持 http/https"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeHTTPBaseURL(tc.in, tc.label)
			if tc.wantErrSub != "" {
				if err == nil {
					t.Fatalf("NormalizeHTTPBaseURL(%q, %q) expected error, got nil", tc.in, tc.label)
				}
				if !strings.Contains(err.Error(), tc.wantErrSub) {
					t.Fatalf("NormalizeHTTPBaseURL(%q, %q) error = %q, want contains %q", tc.in, tc.label, err.Error(), tc.wantErrSub)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeHTTPBaseURL(%q, %q) unexpected error: %v", tc.in, tc.label, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeHTTPBaseURL(%q, %q) = %q, want %q", tc.in, tc.label, got, tc.want)
			}
		})
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("LLMGATE_ENV", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Env != "dev" || cfg.DB.Driver != "sqlite" {
		t.Fatalf("unexpected env/driver: env=%q driver=%q", cfg.Env, cfg.DB.Driver)
	}
	if cfg.Gateway.DefaultModel != "gemini-2.5-flash" || cfg.Gateway.DefaultProvider != "google" {
		t.Fatalf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if !cfg.Gateway.PrecheckUSD.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("precheck: got=%s want=0.01", cfg.Gateway.PrecheckUSD)
	}
	if cfg.Gateway.RateLimitWindowSeconds != 60 || cfg.Gateway.RateLimitMax != 60 {
		t.Fatalf("rate limit: got=%d/%d want=60/60", cfg.Gateway.RateLimitWindowSeconds, cfg.Gateway.RateLimitMax)
	}
	if cfg.Billing.FreeRequestLimit != 1000 || cfg.Billing.ProRequestLimit != 50000 || cfg.Billing.TeamRequestLimit != 250000 {
		t.Fatalf("tier limits: %+v", cfg.Billing)
	}
	if cfg.Billing.UpgradeURL != "/billing" || cfg.Billing.TopUpURL != "/billing/credits" {
		t.Fatalf("billing urls: %+v", cfg.Billing)
	}
}

func TestLoadFromEnv_ProviderAndBillingOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("LLMGATE_OPENAI_API_KEY", "sk-override")
	t.Setenv("GOOGLE_API_KEY", "g-1")
	t.Setenv("GEMINI_API_KEY", "g-2")
	t.Setenv("ANTHROPIC_BASE_URL", "https://anthropic.example.com/")
	t.Setenv("POLAR_WEBHOOK_SECRET", "whsec")
	t.Setenv("POLAR_PRODUCT_PRO_MONTHLY", "prod_pro_m")
	t.Setenv("POLAR_PRODUCT_TEAM_ANNUAL", "prod_team_y")
	t.Setenv("LLMGATE_PRECHECK_USD", "0.05")
	t.Setenv("LLMGATE_RATE_LIMIT_MAX", "5")
	t.Setenv("LLMGATE_REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Providers.OpenAIAPIKey != "sk-override" {
		t.Fatalf("openai key: got=%q want=sk-override", cfg.Providers.OpenAIAPIKey)
	}
	if cfg.Providers.GeminiAPIKey != "g-2" {
		t.Fatalf("gemini key: got=%q want=g-2", cfg.Providers.GeminiAPIKey)
	}
	if cfg.Providers.AnthropicBaseURL != "https://anthropic.example.com" {
		t.Fatalf("anthropic base url: got=%q", cfg.Providers.AnthropicBaseURL)
	}
	if cfg.Billing.PolarWebhookSecret != "whsec" || cfg.Billing.PolarProducts.ProMonthly != "prod_pro_m" || cfg.Billing.PolarProducts.TeamAnnual != "prod_team_y" {
		t.Fatalf("billing: %+v", cfg.Billing)
	}
	if !cfg.Gateway.PrecheckUSD.Equal(decimal.RequireFromString("0.05")) || cfg.Gateway.RateLimitMax != 5 {
		t.Fatalf("gateway: %+v", cfg.Gateway)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("redis addr: got=%q", cfg.Redis.Addr)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := []struct {
		name       string
		env        map[string]string
		wantErrSub string
	}{
		{name: "mysql without dsn", env: map[string]string{"LLMGATE_DB_DRIVER": "mysql"}, wantErrSub: "db.dsn"},
		{name: "unknown driver", env: map[string]string{"LLMGATE_DB_DRIVER": "postgres"}, wantErrSub: "db.driver"},
		{name: "prod without polar secret", env: map[string]string{"LLMGATE_ENV": "prod"}, wantErrSub: "POLAR_WEBHOOK_SECRET"},
		{name: "proxy log outside dev", env: map[string]string{"LLMGATE_ENV": "prod", "POLAR_WEBHOOK_SECRET": "x", "LLMGATE_DEBUG_PROXY_LOG_ENABLE": "true"}, wantErrSub: "proxy_log"},
		{name: "bad provider url", env: map[string]string{"LLMGATE_CUSTOM_BASE_URL": "ftp://x"}, wantErrSub: "providers.custom_base_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErrSub)
			}
			if !strings.Contains(err.Error(), tc.wantErrSub) {
				t.Fatalf("error = %q, want contains %q", err.Error(), tc.wantErrSub)
			}
		})
	}
}

func TestLoadFromEnv_DSNImpliesMySQL(t *testing.T) {
	t.Setenv("LLMGATE_DB_DSN", "u:p@tcp(127.0.0.1:3306)/llmgate")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DB.Driver != "mysql" {
		t.Fatalf("driver: got=%q want=mysql", cfg.DB.Driver)
	}
}
