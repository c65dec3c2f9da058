package ratelimit

import (
	"context"
	"time"
)

type RequestCounter interface {
	CountAIRequestsSince(ctx context.Context, projectID string, since time.Time) (int64, error)
}

// SQLCounter 直接以用量记录为窗口数据源：每个完成或失败的请求都会落一行 ai_requests。
// 本次命中由后续的用量记录体现，因此这里只读不写。
type SQLCounter struct {
	st RequestCounter
}

func NewSQLCounter(st RequestCounter) *SQLCounter {
	return &SQLCounter{st: st}
}

func (c *SQLCounter) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	return c.st.CountAIRequestsSince(ctx, key, now.Add(-window))
}
