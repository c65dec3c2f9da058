// Package gateway 实现北向接口：计量对话（含 SSE）、积分查询与请求日志（详情/实时尾随）。
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"llmgate/internal/access"
	"llmgate/internal/credits"
	"llmgate/internal/limits"
	"llmgate/internal/llm"
	"llmgate/internal/proxylog"
	"llmgate/internal/store"
	"llmgate/internal/usage"
)

// accountingTimeout 约束请求结束后的扣费与落库。
const accountingTimeout = 5 * time.Second

type OrgStore interface {
	GetOrganization(ctx context.Context, id string) (store.Organization, error)
}

type LogStore interface {
	GetAIRequest(ctx context.Context, projectID string, requestID string) (store.AIRequest, error)
	ListAIRequestsAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]store.AIRequest, error)
	LatestAIRequestID(ctx context.Context, projectID string) (int64, error)
}

type Options struct {
	DefaultModel string
	PrecheckUSD  decimal.Decimal
	UpgradeURL   string
	TopUpURL     string

	StreamIdleTimeout  time.Duration
	StreamPingInterval time.Duration

	LogPollInterval      time.Duration
	LogHeartbeatInterval time.Duration
	// LogStreamMaxPerProject 为 0 表示不限制。
	LogStreamMaxPerProject int
}

func (o Options) withDefaults() Options {
	if o.DefaultModel == "" {
		o.DefaultModel = "gemini-2.5-flash"
	}
	if o.PrecheckUSD.IsZero() {
		o.PrecheckUSD = decimal.RequireFromString("0.01")
	}
	if o.UpgradeURL == "" {
		o.UpgradeURL = access.UpgradeURL
	}
	if o.TopUpURL == "" {
		o.TopUpURL = credits.TopUpURL
	}
	if o.LogPollInterval <= 0 {
		o.LogPollInterval = 2 * time.Second
	}
	if o.LogHeartbeatInterval <= 0 {
		o.LogHeartbeatInterval = 30 * time.Second
	}
	return o
}

type Handler struct {
	router   *llm.Router
	policy   access.Policy
	ledger   *credits.Ledger
	recorder *usage.Recorder
	orgs     OrgStore
	logs     LogStore

	proxyLog   *proxylog.Writer
	logStreams *limits.Streams

	opts Options
}

func NewHandler(router *llm.Router, policy access.Policy, ledger *credits.Ledger, recorder *usage.Recorder, orgs OrgStore, logs LogStore, proxyLog *proxylog.Writer, opts Options) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		router:     router,
		policy:     policy,
		ledger:     ledger,
		recorder:   recorder,
		orgs:       orgs,
		logs:       logs,
		proxyLog:   proxyLog,
		logStreams: limits.NewStreams(opts.LogStreamMaxPerProject),
		opts:       opts,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// accountingContext 保留请求内的值（request_id 等），但不随下游取消。
func accountingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), accountingTimeout)
}
