package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"llmgate/internal/auth"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// accessSlot 让内层鉴权把 principal 回填给外层的访问日志。
type accessSlot struct {
	p  auth.Principal
	ok bool
}

const accessSlotKey ctxKey = 2

func notePrincipal(ctx context.Context, p auth.Principal) {
	if s, ok := ctx.Value(accessSlotKey).(*accessSlot); ok {
		s.p = p
		s.ok = true
	}
}

// AccessLog 每个请求一行结构化日志；不记录请求体与任何明文凭据。
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		slot := &accessSlot{}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), accessSlotKey, slot)))
		lat := time.Since(start)

		var projectID, orgID any
		if slot.ok {
			projectID = slot.p.ProjectID
			orgID = slot.p.OrganizationID
		}
		slog.Info("access",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"latency_ms", lat.Milliseconds(),
			"project_id", projectID,
			"organization_id", orgID,
		)
	})
}
