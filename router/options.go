package router

import (
	"net/http"

	"llmgate/internal/api/gateway"
	"llmgate/internal/auth"
	"llmgate/internal/ratelimit"
)

type Options struct {
	Gateway     *gateway.Handler
	Auth        *auth.Authenticator
	RateLimiter *ratelimit.Limiter

	// ChatMaxBodyBytes <= 0 表示不限制。
	ChatMaxBodyBytes int64

	// system
	Healthz http.HandlerFunc
	Metrics http.Handler

	// billing webhooks；为 nil 时不挂载。
	SubscriptionWebhook http.HandlerFunc
	StripeWebhook       http.HandlerFunc
}
