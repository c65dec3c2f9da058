package apierror

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// FromStatus 按上游 HTTP 状态码归类；body 仅用于补充判断内容过滤与提取摘要。
func FromStatus(provider string, status int, body string) *Error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindProviderAuthentication
	case status == http.StatusTooManyRequests:
		kind = KindProviderRateLimit
	case status == http.StatusNotFound:
		kind = KindProviderModelNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if looksContentFiltered(strings.ToLower(msg)) {
			kind = KindProviderContentFilter
		} else {
			kind = KindProviderInvalidRequest
		}
	case status == http.StatusRequestTimeout || status >= 500:
		kind = KindProviderServiceUnavailable
	default:
		return Normalize(provider, errors.New(msg))
	}
	return &Error{Kind: kind, Provider: provider, Message: msg, Retryable: retryableByDefault(kind)}
}

// Normalize 把上游 SDK/网络错误归一到统一分类；已经归类的错误只补齐 provider。
func Normalize(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Provider == "" {
			e.Provider = provider
		}
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindProviderServiceUnavailable, provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindProviderServiceUnavailable, provider, err)
	}

	m := strings.ToLower(err.Error())
	switch {
	case containsAny(m, "unauthorized", "invalid api key", "authentication"):
		return Wrap(KindProviderAuthentication, provider, err)
	case containsAny(m, "rate limit", "too many requests", "429"):
		return Wrap(KindProviderRateLimit, provider, err)
	case containsAny(m, "model not found", "model_not_found", "unsupported model"):
		return Wrap(KindProviderModelNotFound, provider, err)
	case containsAny(m, "service unavailable", "503", "timeout", "deadline exceeded", "connection refused"):
		return Wrap(KindProviderServiceUnavailable, provider, err)
	case looksContentFiltered(m):
		return Wrap(KindProviderContentFilter, provider, err)
	case containsAny(m, "invalid", "bad request", "400"):
		return Wrap(KindProviderInvalidRequest, provider, err)
	default:
		return Wrap(KindInternal, provider, err)
	}
}

func looksContentFiltered(m string) bool {
	return containsAny(m, "content_filter", "content filter", "safety", "blocked")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
