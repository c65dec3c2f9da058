package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"llmgate/internal/middleware"
)

func setChatRoutes(r *gin.Engine, opts Options) {
	if opts.Gateway == nil {
		return
	}
	chatChain := func(h http.Handler) gin.HandlerFunc {
		mws := []middleware.Middleware{
			middleware.RequestID,
			middleware.AccessLog,
			middleware.APIKeyAuth(opts.Auth),
		}
		if opts.RateLimiter != nil {
			mws = append(mws, middleware.RateLimit(opts.RateLimiter))
		}
		mws = append(mws, middleware.BodyCache(opts.ChatMaxBodyBytes))
		return wrapHTTP(middleware.Chain(h, mws...))
	}

	chat := chatChain(http.HandlerFunc(opts.Gateway.Chat))
	r.POST("/v1/chat", chat)
	r.POST("/api/ai/chat", chat)
}

// setConsoleAPIRoutes 挂载只读的积分与日志接口；鉴权方式与对话一致，但不计入限流。
func setConsoleAPIRoutes(api *gin.RouterGroup, opts Options) {
	if opts.Gateway == nil {
		return
	}
	keyChain := func(h http.Handler) gin.HandlerFunc {
		return wrapHTTP(middleware.Chain(h,
			middleware.RequestID,
			middleware.AccessLog,
			middleware.APIKeyAuth(opts.Auth),
		))
	}

	api.GET("/credits", keyChain(http.HandlerFunc(opts.Gateway.Credits)))
	api.GET("/logs/stream", keyChain(http.HandlerFunc(opts.Gateway.LogStream)))
	api.GET("/logs/:request_id", keyChain(http.HandlerFunc(opts.Gateway.LogDetail)))
}
