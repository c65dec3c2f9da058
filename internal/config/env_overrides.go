package config

import (
	"os"
	"strconv"
	"strings"
)

func applyEnvOverrides(cfg *Config) {
	applyCoreEnvOverrides(cfg)
	applyServerEnvOverrides(cfg)
	applyUpstreamEnvOverrides(cfg)
	applyStorageEnvOverrides(cfg)
	applyProviderEnvOverrides(cfg)
	applyGatewayEnvOverrides(cfg)
	applyBillingEnvOverrides(cfg)
	applyDebugEnvOverrides(cfg)
}

func applyCoreEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMGATE_ENV"); v != "" {
		cfg.Env = v
	}
}

func applyServerEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMGATE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LLMGATE_PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}
	setIntNonNeg(&cfg.Server.ReadHeaderTimeoutSeconds, "LLMGATE_SERVER_READ_HEADER_TIMEOUT_SECONDS")
	setIntNonNeg(&cfg.Server.ReadTimeoutSeconds, "LLMGATE_SERVER_READ_TIMEOUT_SECONDS")
	setIntNonNeg(&cfg.Server.IdleTimeoutSeconds, "LLMGATE_SERVER_IDLE_TIMEOUT_SECONDS")
	if v := os.Getenv("LLMGATE_SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("LLMGATE_CHAT_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.ChatMaxBodyBytes = n
		}
	}
}

func applyUpstreamEnvOverrides(cfg *Config) {
	setIntNonNeg(&cfg.UpstreamHTTP.DialTimeoutSeconds, "LLMGATE_UPSTREAM_HTTP_DIAL_TIMEOUT_SECONDS")
	setIntNonNeg(&cfg.UpstreamHTTP.TLSHandshakeTimeoutSeconds, "LLMGATE_UPSTREAM_HTTP_TLS_HANDSHAKE_TIMEOUT_SECONDS")
	setIntNonNeg(&cfg.UpstreamHTTP.ResponseHeaderTimeoutSeconds, "LLMGATE_UPSTREAM_HTTP_RESPONSE_HEADER_TIMEOUT_SECONDS")
	setIntNonNeg(&cfg.UpstreamHTTP.RequestTimeoutSeconds, "LLMGATE_UPSTREAM_HTTP_REQUEST_TIMEOUT_SECONDS")
}

func applyStorageEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMGATE_DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("LLMGATE_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LLMGATE_SQLITE_PATH"); v != "" {
		cfg.DB.SQLitePath = v
	}
	if v := os.Getenv("LLMGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LLMGATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	setIntNonNeg(&cfg.Redis.DB, "LLMGATE_REDIS_DB")
}

// provider 凭据沿用各家 SDK 的惯用变量名，LLMGATE_ 前缀的同名变量优先。
func applyProviderEnvOverrides(cfg *Config) {
	setString(&cfg.Providers.OpenAIAPIKey, "OPENAI_API_KEY", "LLMGATE_OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAIBaseURL, "OPENAI_BASE_URL", "LLMGATE_OPENAI_BASE_URL")
	setString(&cfg.Providers.AnthropicAPIKey, "ANTHROPIC_API_KEY", "LLMGATE_ANTHROPIC_API_KEY")
	setString(&cfg.Providers.AnthropicBaseURL, "ANTHROPIC_BASE_URL", "LLMGATE_ANTHROPIC_BASE_URL")
	setString(&cfg.Providers.GeminiAPIKey, "GOOGLE_API_KEY", "GEMINI_API_KEY", "LLMGATE_GEMINI_API_KEY")
	setString(&cfg.Providers.GeminiBaseURL, "GEMINI_BASE_URL", "LLMGATE_GEMINI_BASE_URL")
	setString(&cfg.Providers.CustomBaseURL, "LLMGATE_CUSTOM_BASE_URL")
	setString(&cfg.Providers.CustomAPIKey, "LLMGATE_CUSTOM_API_KEY")
}

func applyGatewayEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMGATE_DEFAULT_MODEL"); v != "" {
		cfg.Gateway.DefaultModel = v
	}
	if v := os.Getenv("LLMGATE_DEFAULT_PROVIDER"); v != "" {
		cfg.Gateway.DefaultProvider = v
	}
	if v := os.Getenv("LLMGATE_PRECHECK_USD"); v != "" {
		if d, err := parseDecimalNonNeg(v, 6); err == nil {
			cfg.Gateway.PrecheckUSD = d
		}
	}
	setIntNonNeg(&cfg.Gateway.RateLimitWindowSeconds, "LLMGATE_RATE_LIMIT_WINDOW_SECONDS")
	setIntNonNeg(&cfg.Gateway.RateLimitMax, "LLMGATE_RATE_LIMIT_MAX")
	setIntNonNeg(&cfg.Gateway.StreamIdleTimeoutSeconds, "LLMGATE_STREAM_IDLE_TIMEOUT_SECONDS")
	setIntNonNeg(&cfg.Gateway.StreamPingIntervalSeconds, "LLMGATE_STREAM_PING_INTERVAL_SECONDS")
	setIntNonNeg(&cfg.Gateway.LogStreamPollSeconds, "LLMGATE_LOG_STREAM_POLL_SECONDS")
	setIntNonNeg(&cfg.Gateway.LogStreamHeartbeatSeconds, "LLMGATE_LOG_STREAM_HEARTBEAT_SECONDS")
	setIntNonNeg(&cfg.Gateway.LogStreamMaxPerProject, "LLMGATE_LOG_STREAM_MAX_PER_PROJECT")
}

func applyBillingEnvOverrides(cfg *Config) {
	setString(&cfg.Billing.PolarWebhookSecret, "POLAR_WEBHOOK_SECRET", "LLMGATE_POLAR_WEBHOOK_SECRET")
	setString(&cfg.Billing.PolarProducts.ProMonthly, "POLAR_PRODUCT_PRO_MONTHLY")
	setString(&cfg.Billing.PolarProducts.ProAnnual, "POLAR_PRODUCT_PRO_ANNUAL")
	setString(&cfg.Billing.PolarProducts.TeamMonthly, "POLAR_PRODUCT_TEAM_MONTHLY")
	setString(&cfg.Billing.PolarProducts.TeamAnnual, "POLAR_PRODUCT_TEAM_ANNUAL")
	setString(&cfg.Billing.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET", "LLMGATE_STRIPE_WEBHOOK_SECRET")
	setInt64Pos(&cfg.Billing.FreeRequestLimit, "LLMGATE_FREE_REQUEST_LIMIT")
	setInt64Pos(&cfg.Billing.ProRequestLimit, "LLMGATE_PRO_REQUEST_LIMIT")
	setInt64Pos(&cfg.Billing.TeamRequestLimit, "LLMGATE_TEAM_REQUEST_LIMIT")
	setString(&cfg.Billing.UpgradeURL, "LLMGATE_UPGRADE_URL")
	setString(&cfg.Billing.TopUpURL, "LLMGATE_TOPUP_URL")
}

func applyDebugEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMGATE_DEBUG_PROXY_LOG_ENABLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug.ProxyLog.Enable = b
		}
	}
	if v := os.Getenv("LLMGATE_DEBUG_PROXY_LOG_DIR"); v != "" {
		cfg.Debug.ProxyLog.Dir = v
	}
	if v := os.Getenv("LLMGATE_DEBUG_PROXY_LOG_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Debug.ProxyLog.MaxBytes = n
		}
	}
	setIntNonNeg(&cfg.Debug.ProxyLog.MaxFiles, "LLMGATE_DEBUG_PROXY_LOG_MAX_FILES")
}

// setString 按顺序读取，后出现的非空变量覆盖前面的。
func setString(dst *string, keys ...string) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			*dst = v
		}
	}
}

func setIntNonNeg(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func setInt64Pos(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
}
