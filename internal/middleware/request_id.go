package middleware

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type ctxKey int

const requestIDKey ctxKey = 1

const RequestIDHeader = "X-Request-Id"

const maxInboundRequestIDLen = 64

var randRead = rand.Read

var requestIDFallbackCounter atomic.Uint64

// RequestID 透传调用方给出的 X-Request-Id（仅限安全字符），否则生成新的。
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !validInboundRequestID(rid) {
			rid = newRequestID()
		}
		w.Header().Set(RequestIDHeader, rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	v := ctx.Value(requestIDKey)
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func validInboundRequestID(s string) bool {
	if s == "" || len(s) > maxInboundRequestIDLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

func newRequestID() string {
	var b [16]byte
	if _, err := randRead(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}

	// crypto/rand 不可用时退化到“时间 + 计数器”，保证进程内唯一。
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(b[8:], requestIDFallbackCounter.Add(1))
	return hex.EncodeToString(b[:])
}
