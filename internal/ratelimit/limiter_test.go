package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

// memCounter 是进程内的滑动窗口实现，语义与 RedisCounter 一致。
type memCounter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	err  error
}

func (m *memCounter) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hits == nil {
		m.hits = make(map[string][]time.Time)
	}
	floor := now.Add(-window)
	kept := m.hits[key][:0]
	for _, t := range m.hits[key] {
		if !t.Before(floor) {
			kept = append(kept, t)
		}
	}
	prior := int64(len(kept))
	m.hits[key] = append(kept, now)
	return prior, nil
}

func TestLimiter_DeniesMaxPlusOneThenResets(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(&memCounter{}, time.Minute, 60)
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		r := l.Check(ctx, "proj")
		if !r.Success {
			t.Fatalf("request %d denied", i+1)
		}
		if r.Remaining != 60-i-1 {
			t.Fatalf("request %d remaining: got=%d want=%d", i+1, r.Remaining, 60-i-1)
		}
	}
	r := l.Check(ctx, "proj")
	if r.Success || r.Remaining != 0 || r.Limit != 60 {
		t.Fatalf("expected 61st request to be denied, got=%+v", r)
	}
	if !r.Reset.Equal(clock.Add(time.Minute)) {
		t.Fatalf("reset: got=%v want=%v", r.Reset, clock.Add(time.Minute))
	}

	// 其他 project 不受影响。
	if !l.Check(ctx, "other").Success {
		t.Fatalf("expected other project to be allowed")
	}

	clock = clock.Add(time.Minute + time.Second)
	if r := l.Check(ctx, "proj"); !r.Success {
		t.Fatalf("expected window to reset, got=%+v", r)
	}
}

func TestLimiter_FailsOpen(t *testing.T) {
	t.Parallel()

	l := New(&memCounter{err: errors.New("store down")}, 0, 0)
	r := l.Check(context.Background(), "proj")
	if !r.Success || r.Remaining != 1 || r.Limit != DefaultMax {
		t.Fatalf("expected fail-open result, got=%+v", r)
	}
}

type fakeRequestCounter struct {
	since time.Time
	n     int64
}

func (f *fakeRequestCounter) CountAIRequestsSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	f.since = since
	return f.n, nil
}

func TestSQLCounter_UsesWindowFloor(t *testing.T) {
	t.Parallel()

	f := &fakeRequestCounter{n: 60}
	l := New(NewSQLCounter(f), time.Minute, 60)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	r := l.Check(context.Background(), "proj")
	if r.Success {
		t.Fatalf("expected denial at 60 prior requests")
	}
	if !f.since.Equal(now.Add(-time.Minute)) {
		t.Fatalf("since: got=%v want=%v", f.since, now.Add(-time.Minute))
	}
}

func TestRedisCounter_Live(t *testing.T) {
	addr := os.Getenv("LLMGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LLMGATE_TEST_REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}
	client := NewRedisClient(RedisOptions{Addr: addr})
	defer client.Close()

	key := "test-" + time.Now().Format("150405.000000000")
	c := NewRedisCounter(client)
	now := time.Now()
	for i := 0; i < 3; i++ {
		prior, err := c.Hit(context.Background(), key, now.Add(time.Duration(i)*time.Millisecond), time.Minute)
		if err != nil {
			t.Fatalf("Hit: %v", err)
		}
		if prior != int64(i) {
			t.Fatalf("prior: got=%d want=%d", prior, i)
		}
	}
	prior, err := c.Hit(context.Background(), key, now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if prior != 0 {
		t.Fatalf("expected expired window, got prior=%d", prior)
	}
}
