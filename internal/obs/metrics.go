package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	chatRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmgate",
		Name:      "chat_requests_total",
		Help:      "Chat requests by provider and final status.",
	}, []string{"provider", "status"})

	chatTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmgate",
		Name:      "chat_tokens_total",
		Help:      "Tokens metered per provider, split by prompt/completion.",
	}, []string{"provider", "kind"})

	chargeUSD = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmgate",
		Name:      "charge_usd_total",
		Help:      "USD charged to organization credit balances.",
	}, []string{"provider"})

	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmgate",
		Name:      "provider_latency_seconds",
		Help:      "End-to-end provider latency per request.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	streamOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmgate",
		Name:      "stream_outcomes_total",
		Help:      "Streaming relay terminal outcomes.",
	}, []string{"outcome"})

	streamFirstChunk = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "llmgate",
		Name:      "stream_first_chunk_seconds",
		Help:      "Time from request start to the first relayed chunk.",
		Buckets:   prometheus.DefBuckets,
	})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llmgate",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-project rate limiter.",
	})

	deductions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmgate",
		Name:      "credit_deductions_total",
		Help:      "Credit deduction attempts by result.",
	}, []string{"result"})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmgate",
		Name:      "webhook_events_total",
		Help:      "Billing webhook events by source, type and action.",
	}, []string{"source", "type", "action"})
)

// 进程内只注册一次；测试包多次构建 App 不会重复注册。
func init() {
	prometheus.MustRegister(
		chatRequests,
		chatTokens,
		chargeUSD,
		providerLatency,
		streamOutcomes,
		streamFirstChunk,
		rateLimited,
		deductions,
		webhookEvents,
	)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordChatRequest(provider, status string, promptTokens, completionTokens int64, charge float64, latency time.Duration) {
	chatRequests.WithLabelValues(provider, status).Inc()
	if promptTokens > 0 {
		chatTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		chatTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
	if charge > 0 {
		chargeUSD.WithLabelValues(provider).Add(charge)
	}
	if latency > 0 {
		providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func RecordStreamOutcome(outcome string) {
	streamOutcomes.WithLabelValues(outcome).Inc()
}

func RecordStreamFirstChunk(d time.Duration) {
	if d <= 0 {
		return
	}
	streamFirstChunk.Observe(d.Seconds())
}

func RecordRateLimited() {
	rateLimited.Inc()
}

func RecordDeduction(result string) {
	deductions.WithLabelValues(result).Inc()
}

func RecordWebhookEvent(source, eventType, action string) {
	webhookEvents.WithLabelValues(source, eventType, action).Inc()
}
