// Package config 负责读取并合并服务配置（仅环境变量，.env 由 main 通过 godotenv 预加载），避免在业务代码里散落解析逻辑。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

type Config struct {
	Env          string
	Server       ServerConfig
	UpstreamHTTP UpstreamHTTPConfig
	DB           DBConfig
	Redis        RedisConfig
	Providers    ProvidersConfig
	Gateway      GatewayConfig
	Billing      BillingConfig
	Debug        DebugConfig
}

type ServerConfig struct {
	Addr          string
	PublicBaseURL string

	// 这些参数直接映射到 http.Server；WriteTimeout 保持为 0，以兼容 SSE 长连接。
	ReadHeaderTimeoutSeconds int
	ReadTimeoutSeconds       int
	IdleTimeoutSeconds       int
	MaxHeaderBytes           int

	// ChatMaxBodyBytes 约束对话请求体；<= 0 表示不限制（不建议）。
	ChatMaxBodyBytes int64
}

type UpstreamHTTPConfig struct {
	DialTimeoutSeconds           int
	TLSHandshakeTimeoutSeconds   int
	ResponseHeaderTimeoutSeconds int
	// RequestTimeoutSeconds 只作用于非流式调用。
	RequestTimeoutSeconds int
}

type DBConfig struct {
	// Driver 支持 mysql/sqlite；为空时 dsn 非空推断为 mysql，否则 sqlite。
	Driver     string
	DSN        string
	SQLitePath string
}

// RedisConfig 的 Addr 为空时限流计数回落到 ai_requests 表。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ProvidersConfig struct {
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	GeminiAPIKey     string
	GeminiBaseURL    string

	// Custom 是任意 OpenAI 兼容端点；BaseURL 为空时不注册。
	CustomBaseURL string
	CustomAPIKey  string
}

type GatewayConfig struct {
	DefaultModel    string
	DefaultProvider string

	// PrecheckUSD 是付费档调用非默认 provider 前要求的最低余额。
	PrecheckUSD decimal.Decimal

	RateLimitWindowSeconds int
	RateLimitMax           int

	StreamIdleTimeoutSeconds  int
	StreamPingIntervalSeconds int

	LogStreamPollSeconds      int
	LogStreamHeartbeatSeconds int
	// LogStreamMaxPerProject 限制单个 project 同时打开的实时日志连接；0 表示不限制。
	LogStreamMaxPerProject int
}

type BillingConfig struct {
	PolarWebhookSecret string
	PolarProducts      PolarProductsConfig

	StripeWebhookSecret string

	FreeRequestLimit int64
	ProRequestLimit  int64
	TeamRequestLimit int64

	UpgradeURL string
	TopUpURL   string
}

type PolarProductsConfig struct {
	ProMonthly  string
	ProAnnual   string
	TeamMonthly string
	TeamAnnual  string
}

type DebugConfig struct {
	ProxyLog ProxyLogConfig
}

type ProxyLogConfig struct {
	Enable   bool
	Dir      string
	MaxBytes int64
	MaxFiles int
}

// LoadFromEnv 仅从环境变量加载配置（不读取任何配置文件）。
func LoadFromEnv() (Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	return normalizeAndValidate(cfg)
}

func normalizeAndValidate(cfg Config) (Config, error) {
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	publicBaseURL, err := NormalizeHTTPBaseURL(cfg.Server.PublicBaseURL, "server.public_base_url")
	if err != nil {
		return Config{}, err
	}
	cfg.Server.PublicBaseURL = publicBaseURL
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return Config{}, errors.New("server.addr 不能为空")
	}

	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.DB.DSN = strings.TrimSpace(cfg.DB.DSN)
	cfg.DB.SQLitePath = strings.TrimSpace(cfg.DB.SQLitePath)
	if cfg.DB.Driver == "" {
		if cfg.DB.DSN != "" {
			cfg.DB.Driver = "mysql"
		} else {
			cfg.DB.Driver = "sqlite"
		}
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if cfg.DB.SQLitePath == "" {
			cfg.DB.SQLitePath = "./data/llmgate.db?_busy_timeout=30000"
		}
	case "mysql":
		if cfg.DB.DSN == "" {
			return Config{}, errors.New("db.dsn 不能为空（db.driver=mysql）")
		}
	default:
		return Config{}, fmt.Errorf("db.driver 不支持：%s（仅支持 mysql/sqlite）", cfg.DB.Driver)
	}

	for _, p := range []struct {
		v     *string
		label string
	}{
		{&cfg.Providers.OpenAIBaseURL, "providers.openai_base_url"},
		{&cfg.Providers.AnthropicBaseURL, "providers.anthropic_base_url"},
		{&cfg.Providers.GeminiBaseURL, "providers.gemini_base_url"},
		{&cfg.Providers.CustomBaseURL, "providers.custom_base_url"},
	} {
		v, err := NormalizeHTTPBaseURL(*p.v, p.label)
		if err != nil {
			return Config{}, err
		}
		*p.v = v
	}

	cfg.Gateway.DefaultModel = strings.TrimSpace(cfg.Gateway.DefaultModel)
	if cfg.Gateway.DefaultModel == "" {
		cfg.Gateway.DefaultModel = "gemini-2.5-flash"
	}
	cfg.Gateway.DefaultProvider = strings.ToLower(strings.TrimSpace(cfg.Gateway.DefaultProvider))
	if cfg.Gateway.DefaultProvider == "" {
		cfg.Gateway.DefaultProvider = "google"
	}
	if cfg.Gateway.PrecheckUSD.IsNegative() {
		return Config{}, errors.New("gateway.precheck_usd 不能为负数")
	}
	if cfg.Gateway.RateLimitWindowSeconds <= 0 {
		cfg.Gateway.RateLimitWindowSeconds = 60
	}
	if cfg.Gateway.RateLimitMax <= 0 {
		cfg.Gateway.RateLimitMax = 60
	}
	if cfg.Gateway.LogStreamPollSeconds <= 0 {
		cfg.Gateway.LogStreamPollSeconds = 2
	}
	if cfg.Gateway.LogStreamHeartbeatSeconds <= 0 {
		cfg.Gateway.LogStreamHeartbeatSeconds = 30
	}

	if cfg.Billing.FreeRequestLimit <= 0 || cfg.Billing.ProRequestLimit <= 0 || cfg.Billing.TeamRequestLimit <= 0 {
		return Config{}, errors.New("billing.*_request_limit 必须为正数")
	}
	cfg.Billing.UpgradeURL = strings.TrimSpace(cfg.Billing.UpgradeURL)
	if cfg.Billing.UpgradeURL == "" {
		cfg.Billing.UpgradeURL = "/billing"
	}
	cfg.Billing.TopUpURL = strings.TrimSpace(cfg.Billing.TopUpURL)
	if cfg.Billing.TopUpURL == "" {
		cfg.Billing.TopUpURL = "/billing/credits"
	}
	if cfg.Env != "dev" && strings.TrimSpace(cfg.Billing.PolarWebhookSecret) == "" {
		return Config{}, errors.New("非 dev 环境必须配置 POLAR_WEBHOOK_SECRET")
	}

	cfg.Debug.ProxyLog.Dir = strings.TrimSpace(cfg.Debug.ProxyLog.Dir)
	if cfg.Debug.ProxyLog.Dir == "" {
		cfg.Debug.ProxyLog.Dir = "./out/proxy"
	}
	if cfg.Debug.ProxyLog.Enable && cfg.Env != "dev" {
		return Config{}, errors.New("debug.proxy_log 仅允许在 dev 环境开启")
	}

	return cfg, nil
}

func NormalizeHTTPBaseURL(raw string, label string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), "/")
	if v == "" {
		return "", nil
	}
	u, err := url.Parse(v)
	if err != nil {
		if strings.TrimSpace(label) == "" {
			return "", fmt.Errorf("解析 base_url 失败: %w", err)
		}
		return "", fmt.Errorf("解析 %s 失败: %w", label, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url 仅支持 http/https")
		}
		return "", fmt.Errorf("%s 仅支持 http/https", label)
	}
	if u.Host == "" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url host 不能为空")
		}
		return "", fmt.Errorf("%s host 不能为空", label)
	}
	return v, nil
}

func parseDecimalNonNeg(raw string, scale int32) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, errors.New("金额为空")
	}
	if strings.HasPrefix(s, "+") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "+"))
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("金额格式不合法")
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("金额不能为负数")
	}
	if d.Exponent() < -scale {
		return decimal.Zero, fmt.Errorf("最多支持 %d 位小数", scale)
	}
	return d.Truncate(scale), nil
}

func defaultConfig() Config {
	return Config{
		Env: "dev",
		Server: ServerConfig{
			Addr: ":8080",

			ReadHeaderTimeoutSeconds: 5,
			ReadTimeoutSeconds:       30,
			IdleTimeoutSeconds:       120,
			MaxHeaderBytes:           1048576,

			ChatMaxBodyBytes: 8 << 20, // 8MB
		},
		UpstreamHTTP: UpstreamHTTPConfig{
			DialTimeoutSeconds:           10,
			TLSHandshakeTimeoutSeconds:   10,
			ResponseHeaderTimeoutSeconds: 60,
			RequestTimeoutSeconds:        120,
		},
		DB: DBConfig{
			SQLitePath: "./data/llmgate.db?_busy_timeout=30000",
		},
		Gateway: GatewayConfig{
			DefaultModel:    "gemini-2.5-flash",
			DefaultProvider: "google",
			PrecheckUSD:     decimal.RequireFromString("0.01"),

			RateLimitWindowSeconds: 60,
			RateLimitMax:           60,

			StreamIdleTimeoutSeconds:  120,
			StreamPingIntervalSeconds: 15,

			LogStreamPollSeconds:      2,
			LogStreamHeartbeatSeconds: 30,
			LogStreamMaxPerProject:    5,
		},
		Billing: BillingConfig{
			FreeRequestLimit: 1000,
			ProRequestLimit:  50000,
			TeamRequestLimit: 250000,
			UpgradeURL:       "/billing",
			TopUpURL:         "/billing/credits",
		},
		Debug: DebugConfig{
			ProxyLog: ProxyLogConfig{
				Enable: false,
				Dir:    "./out/proxy",
			},
		},
	}
}
