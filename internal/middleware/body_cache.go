package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"llmgate/internal/apierror"
)

type bodyKey int

const cachedBodyKey bodyKey = 1

// BodyCache 一次性读入请求体并放进 context；maxBytes <= 0 表示不限制。
func BodyCache(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			defer r.Body.Close()

			var src io.Reader = r.Body
			if maxBytes > 0 {
				src = io.LimitReader(r.Body, maxBytes+1)
			}
			b, err := io.ReadAll(src)
			if err != nil {
				apierror.Write(w, apierror.New(apierror.KindInvalidRequest, "Failed to read request body"))
				return
			}
			if maxBytes > 0 && int64(len(b)) > maxBytes {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = w.Write([]byte(`{"error":"Request body too large","kind":"invalid_request","retryable":false}` + "\n"))
				return
			}
			ctx := context.WithValue(r.Context(), cachedBodyKey, b)
			r.Body = io.NopCloser(bytes.NewReader(b))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func CachedBody(ctx context.Context) []byte {
	v := ctx.Value(cachedBodyKey)
	if v == nil {
		return nil
	}
	b, _ := v.([]byte)
	return b
}
