// Package apierror 定义网关统一的错误分类：调用方只需按 Kind 分支，不必关心具体上游。
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthorized               Kind = "unauthorized"
	KindAccessDenied               Kind = "access_denied"
	KindInsufficientCredits        Kind = "insufficient_credits"
	KindRateLimited                Kind = "rate_limited"
	KindInvalidRequest             Kind = "invalid_request"
	KindProviderAuthentication     Kind = "provider_authentication"
	KindProviderRateLimit          Kind = "provider_rate_limit"
	KindProviderInvalidRequest     Kind = "provider_invalid_request"
	KindProviderModelNotFound      Kind = "provider_model_not_found"
	KindProviderServiceUnavailable Kind = "provider_service_unavailable"
	KindProviderContentFilter      Kind = "provider_content_filter"
	KindInternal                   Kind = "internal"
)

// Error 是唯一的错误形态；Extra 中的字段会原样合并进响应 JSON（如 upgradeUrl/balance）。
type Error struct {
	Kind      Kind
	Provider  string
	Message   string
	Retryable bool
	Detail    string
	Extra     map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status 返回该错误对外暴露的 HTTP 状态码。
func (e *Error) Status() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindRateLimited, KindProviderRateLimit:
		return http.StatusTooManyRequests
	case KindInvalidRequest, KindProviderInvalidRequest:
		return http.StatusBadRequest
	case KindProviderAuthentication:
		return http.StatusBadGateway
	case KindProviderModelNotFound:
		return http.StatusNotFound
	case KindProviderServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderContentFilter:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableByDefault(kind)}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(kind Kind, provider string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Provider: provider, Message: msg, Retryable: retryableByDefault(kind), cause: cause}
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

func (e *Error) With(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

func retryableByDefault(kind Kind) bool {
	return kind == KindProviderRateLimit || kind == KindProviderServiceUnavailable
}

// As 把任意错误收敛为 *Error；未知错误归为 Internal。
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindProviderServiceUnavailable, "", err)
	}
	return Wrap(KindInternal, "", err)
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Body 构造错误响应体。
func (e *Error) Body() map[string]any {
	out := map[string]any{
		"error":     e.Message,
		"kind":      string(e.Kind),
		"retryable": e.Retryable,
	}
	if e.Detail != "" {
		out["message"] = e.Detail
	}
	if e.Provider != "" {
		out["provider"] = e.Provider
	}
	for k, v := range e.Extra {
		out[k] = v
	}
	return out
}

// Write 以 JSON 写回错误；Internal 错误不向调用方暴露内部细节。
func Write(w http.ResponseWriter, err error) {
	e := As(err)
	if e == nil {
		return
	}
	body := e.Body()
	if e.Kind == KindInternal {
		body["error"] = "Internal server error"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.Status())
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}
