// Package middleware 提供网关数据面的 net/http 中间件：request_id、访问日志、API Key 鉴权、限流与请求体缓存。
package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
