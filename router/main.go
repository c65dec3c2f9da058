// Package router 把 net/http 风格的 handler 与中间件链挂到 gin 引擎上。
package router

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// streamPaths 返回 SSE，不能被 gzip 缓冲。
var streamPaths = []string{"/api/logs/stream"}

func SetRouter(r *gin.Engine, opts Options) {
	setSystemRoutes(r, opts)
	setWebhookRoutes(r, opts)
	setChatRoutes(r, opts)

	api := r.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths(streamPaths)))
	setConsoleAPIRoutes(api, opts)
}
