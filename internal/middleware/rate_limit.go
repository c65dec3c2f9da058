package middleware

import (
	"net/http"
	"strconv"
	"time"

	"llmgate/internal/apierror"
	"llmgate/internal/auth"
	"llmgate/internal/obs"
	"llmgate/internal/ratelimit"
)

// RateLimit 必须挂在 APIKeyAuth 之后：按 principal 的 project 计数。
func RateLimit(l *ratelimit.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || l == nil {
				next.ServeHTTP(w, r)
				return
			}
			res := l.Check(r.Context(), p.ProjectID)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
			if !res.Success {
				obs.RecordRateLimited()
				apierror.Write(w, apierror.New(apierror.KindRateLimited, "Rate limit exceeded").
					WithDetail("Too many requests for this project, retry after the reset time").
					With("limit", res.Limit).
					With("remaining", res.Remaining).
					With("reset", res.Reset.UTC().Format(time.RFC3339)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
