// Package limits 提供单实例的最小护栏：按 project 限制同时打开的长连接数。
package limits

import "sync"

// Streams 只统计本进程内的连接；多实例部署时每个实例各自计数。
type Streams struct {
	max int

	mu   sync.Mutex
	open map[string]int
}

// NewStreams 的 max <= 0 表示不限制。
func NewStreams(max int) *Streams {
	if max < 0 {
		max = 0
	}
	return &Streams{
		max:  max,
		open: make(map[string]int),
	}
}

func (l *Streams) Max() int {
	if l == nil {
		return 0
	}
	return l.max
}

func (l *Streams) Acquire(key string) bool {
	if l == nil || l.max == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open[key] >= l.max {
		return false
	}
	l.open[key]++
	return true
}

func (l *Streams) Release(key string) {
	if l == nil || l.max == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open[key] > 0 {
		l.open[key]--
	}
	if l.open[key] == 0 {
		delete(l.open, key)
	}
}

func (l *Streams) Open(key string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[key]
}
