// Package server 组装 HTTP 路由、依赖与中间件，使 main 保持简单可读。
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"llmgate/internal/access"
	"llmgate/internal/api/gateway"
	"llmgate/internal/auth"
	"llmgate/internal/config"
	"llmgate/internal/credits"
	"llmgate/internal/llm"
	"llmgate/internal/obs"
	"llmgate/internal/pricing"
	"llmgate/internal/proxylog"
	"llmgate/internal/ratelimit"
	"llmgate/internal/store"
	"llmgate/internal/subscription"
	"llmgate/internal/upstream"
	"llmgate/internal/usage"
	"llmgate/internal/version"
	"llmgate/router"
)

type AppOptions struct {
	Config  config.Config
	DB      *sql.DB
	Version version.BuildInfo

	// Providers 可选；为空时按配置构建各家适配器。测试用它注入桩实现。
	Providers *llm.Router
	// Redis 可选；为空且配置了 Redis.Addr 时自动创建。
	Redis redis.Cmdable
}

type App struct {
	cfg       config.Config
	db        *sql.DB
	store     *store.Store
	providers *llm.Router
	ledger    *credits.Ledger
	subs      *subscription.Synchronizer
	version   version.BuildInfo
	engine    *gin.Engine
}

func NewApp(opts AppOptions) (*App, error) {
	cfg := opts.Config
	st := store.New(opts.DB)
	st.SetDialect(store.Dialect(cfg.DB.Driver))

	providers := opts.Providers
	if providers == nil {
		var err error
		providers, err = buildProviders(cfg, pricing.NewResolver(st))
		if err != nil {
			return nil, err
		}
	}

	ledger := credits.NewLedger(st)
	limits := subscription.Limits{
		Free: cfg.Billing.FreeRequestLimit,
		Pro:  cfg.Billing.ProRequestLimit,
		Team: cfg.Billing.TeamRequestLimit,
	}
	products := subscription.Products{
		ProMonthly:  cfg.Billing.PolarProducts.ProMonthly,
		ProAnnual:   cfg.Billing.PolarProducts.ProAnnual,
		TeamMonthly: cfg.Billing.PolarProducts.TeamMonthly,
		TeamAnnual:  cfg.Billing.PolarProducts.TeamAnnual,
	}

	proxyLog := proxylog.New(proxylog.Config{
		Enable:   cfg.Env == "dev" && cfg.Debug.ProxyLog.Enable,
		Dir:      cfg.Debug.ProxyLog.Dir,
		MaxBytes: cfg.Debug.ProxyLog.MaxBytes,
		MaxFiles: cfg.Debug.ProxyLog.MaxFiles,
	})

	policy := access.Policy{DefaultProvider: cfg.Gateway.DefaultProvider}
	gw := gateway.NewHandler(providers, policy, ledger, usage.NewRecorder(st), st, st, proxyLog, gateway.Options{
		DefaultModel:         cfg.Gateway.DefaultModel,
		PrecheckUSD:          cfg.Gateway.PrecheckUSD,
		UpgradeURL:           cfg.Billing.UpgradeURL,
		TopUpURL:             cfg.Billing.TopUpURL,
		StreamIdleTimeout:    seconds(cfg.Gateway.StreamIdleTimeoutSeconds),
		StreamPingInterval:   seconds(cfg.Gateway.StreamPingIntervalSeconds),
		LogPollInterval:      seconds(cfg.Gateway.LogStreamPollSeconds),
		LogHeartbeatInterval: seconds(cfg.Gateway.LogStreamHeartbeatSeconds),

		LogStreamMaxPerProject: cfg.Gateway.LogStreamMaxPerProject,
	})

	app := &App{
		cfg:       cfg,
		db:        opts.DB,
		store:     st,
		providers: providers,
		ledger:    ledger,
		subs:      subscription.NewSynchronizer(st, products, limits),
		version:   opts.Version,
	}

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	router.SetRouter(engine, router.Options{
		Gateway:          gw,
		Auth:             auth.NewAuthenticator(st),
		RateLimiter:      newRateLimiter(cfg, st, opts.Redis),
		ChatMaxBodyBytes: cfg.Server.ChatMaxBodyBytes,

		Healthz: app.handleHealthz,
		Metrics: obs.MetricsHandler(),

		SubscriptionWebhook: app.handleSubscriptionWebhook,
		StripeWebhook:       app.handleStripeWebhook,
	})
	app.engine = engine
	return app, nil
}

// buildProviders 只注册配置了凭据（或 base URL）的 provider；之后 Router 只读。
func buildProviders(cfg config.Config, resolver *pricing.Resolver) (*llm.Router, error) {
	client := upstream.NewClient(upstream.Options{
		DialTimeout:           seconds(cfg.UpstreamHTTP.DialTimeoutSeconds),
		TLSHandshakeTimeout:   seconds(cfg.UpstreamHTTP.TLSHandshakeTimeoutSeconds),
		ResponseHeaderTimeout: seconds(cfg.UpstreamHTTP.ResponseHeaderTimeoutSeconds),
		RequestTimeout:        seconds(cfg.UpstreamHTTP.RequestTimeoutSeconds),
	})
	p := cfg.Providers
	r := llm.NewRouter(cfg.Gateway.DefaultProvider)
	if p.OpenAIAPIKey != "" {
		r.Register(llm.NewOpenAI(p.OpenAIAPIKey, p.OpenAIBaseURL, client, resolver))
	}
	if p.AnthropicAPIKey != "" {
		r.Register(llm.NewAnthropic(p.AnthropicAPIKey, p.AnthropicBaseURL, client, resolver))
	}
	if p.GeminiAPIKey != "" {
		r.Register(llm.NewGemini(p.GeminiAPIKey, p.GeminiBaseURL, client, resolver))
	}
	if p.CustomBaseURL != "" {
		custom, err := llm.NewCustom(p.CustomAPIKey, p.CustomBaseURL, client, resolver)
		if err != nil {
			return nil, err
		}
		r.Register(custom)
	}
	if len(r.Names()) == 0 {
		slog.Warn("未配置任何 provider 凭据，对话请求将返回 model not found")
	}
	return r, nil
}

// newRateLimiter 优先使用 Redis 计数（多实例共享），否则回落到 ai_requests 表计数。
func newRateLimiter(cfg config.Config, st *store.Store, rdb redis.Cmdable) *ratelimit.Limiter {
	window := seconds(cfg.Gateway.RateLimitWindowSeconds)
	if rdb == nil && cfg.Redis.Addr != "" {
		rdb = ratelimit.NewRedisClient(ratelimit.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if rdb != nil {
		return ratelimit.New(ratelimit.NewRedisCounter(rdb), window, cfg.Gateway.RateLimitMax)
	}
	return ratelimit.New(ratelimit.NewSQLCounter(st), window, cfg.Gateway.RateLimitMax)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (a *App) Handler() http.Handler {
	return a.engine
}

func (a *App) Providers() []string {
	return a.providers.Names()
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		OK      bool   `json:"ok"`
		Env     string `json:"env"`
		Version string `json:"version"`
		Commit  string `json:"commit"`
		Date    string `json:"date"`

		DBOK bool `json:"db_ok"`

		DefaultProvider string   `json:"default_provider"`
		Providers       []string `json:"providers"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := a.db != nil && a.db.PingContext(ctx) == nil

	out := resp{
		OK:              dbOK,
		Env:             a.cfg.Env,
		Version:         a.version.Version,
		Commit:          a.version.Commit,
		Date:            a.version.Date,
		DBOK:            dbOK,
		DefaultProvider: a.providers.DefaultProvider(),
		Providers:       a.providers.Names(),
	}

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}
