package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"llmgate/internal/middleware"
)

// setWebhookRoutes 挂载计费回调；它们由签名鉴权，不走 API key。
func setWebhookRoutes(r *gin.Engine, opts Options) {
	publicChain := func(h http.Handler) gin.HandlerFunc {
		return wrapHTTP(middleware.Chain(h,
			middleware.RequestID,
			middleware.AccessLog,
			middleware.BodyCache(webhookMaxBodyBytes),
		))
	}

	if opts.SubscriptionWebhook != nil {
		r.POST("/api/billing/webhook", publicChain(opts.SubscriptionWebhook))
	}
	if opts.StripeWebhook != nil {
		r.POST("/api/billing/stripe/webhook", publicChain(opts.StripeWebhook))
	}
}
