package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// webhookMaxBodyBytes 约束回调请求体。
const webhookMaxBodyBytes = 1 << 20

// wrapHTTP 同时把 gin 的路径参数写入 r.PathValue，handler 侧不依赖 gin。
func wrapHTTP(h http.Handler) gin.HandlerFunc {
	if h == nil {
		return func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		}
	}

	return func(c *gin.Context) {
		r := c.Request
		for _, p := range c.Params {
			r.SetPathValue(p.Key, p.Value)
		}
		h.ServeHTTP(c.Writer, r)
	}
}

func wrapHTTPFunc(f http.HandlerFunc) gin.HandlerFunc {
	if f == nil {
		return wrapHTTP(nil)
	}
	return wrapHTTP(f)
}
