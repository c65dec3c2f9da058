// Package ratelimit 实现按 project 的滑动窗口限流，计数落在共享存储（数据库或 Redis）上。
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 60
)

// Counter 记录一次命中并返回窗口内此前已有的请求数。
type Counter interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
}

type Result struct {
	Success   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type Limiter struct {
	counter Counter
	window  time.Duration
	max     int
	now     func() time.Time
}

func New(counter Counter, window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Limiter{
		counter: counter,
		window:  window,
		max:     max,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *Limiter) Window() time.Duration { return l.window }
func (l *Limiter) Max() int              { return l.max }

// Check 计数存储故障时放行（remaining=1），限流不应成为可用性的单点。
func (l *Limiter) Check(ctx context.Context, projectID string) Result {
	now := l.now()
	reset := now.Add(l.window)

	prior, err := l.counter.Hit(ctx, projectID, now, l.window)
	if err != nil {
		slog.WarnContext(ctx, "限流计数失败，放行", "project_id", projectID, "err", err)
		return Result{Success: true, Limit: l.max, Remaining: 1, Reset: reset}
	}

	remaining := l.max - int(prior) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   prior < int64(l.max),
		Limit:     l.max,
		Remaining: remaining,
		Reset:     reset,
	}
}
