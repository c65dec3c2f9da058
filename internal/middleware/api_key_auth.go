package middleware

import (
	"net/http"
	"strings"

	"llmgate/internal/apierror"
	"llmgate/internal/auth"
)

// LegacyAPIKeyHeader 兼容早期 SDK 直接把 key 放在自定义头里的用法。
const LegacyAPIKeyHeader = "CENCORI_API_KEY"

// APIKeyAuth 支持 Authorization: Bearer、x-api-key 与 CENCORI_API_KEY 三种来源，按此顺序取第一个非空值。
func APIKeyAuth(a *auth.Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r.Context(), ExtractAPIKey(r))
			if err != nil {
				apierror.Write(w, err)
				return
			}
			notePrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func ExtractAPIKey(r *http.Request) string {
	if raw := extractBearer(r.Header.Get("Authorization")); raw != "" {
		return raw
	}
	if raw := strings.TrimSpace(r.Header.Get("x-api-key")); raw != "" {
		return raw
	}
	return strings.TrimSpace(r.Header.Get(LegacyAPIKeyHeader))
}

func extractBearer(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
