// llmgate-load-sse 是面向大量并发流式对话的简单 soak 工具（curl 不适合大并发长连接）。
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type stats struct {
	started   int64
	ok        int64
	badStatus int64
	errors    int64
	bytes     int64
	firstN    int64
	firstSum  int64
	done      int64
	streamErr int64
	earlyEOF  int64
}

func main() {
	var (
		baseURL  = flag.String("base-url", "http://127.0.0.1:18080", "llmgate base URL")
		key      = flag.String("key", "", "API key (Bearer)")
		model    = flag.String("model", "gemini-2.5-flash", "model")
		input    = flag.String("input", "hello", "user message")
		conns    = flag.Int("conns", 100, "concurrent streamed requests")
		duration = flag.Duration("duration", 30*time.Second, "soak duration")
		ramp     = flag.Duration("ramp", 0, "ramp-up duration (0 = burst)")
	)
	flag.Parse()

	if *conns <= 0 {
		fmt.Fprintln(os.Stderr, "conns must be > 0")
		os.Exit(2)
	}
	if *duration <= 0 {
		fmt.Fprintln(os.Stderr, "duration must be > 0")
		os.Exit(2)
	}
	if strings.TrimSpace(*key) == "" {
		fmt.Fprintln(os.Stderr, "key is required")
		os.Exit(2)
	}
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/v1/chat"

	raw, _ := json.Marshal(map[string]any{
		"model":    strings.TrimSpace(*model),
		"messages": []map[string]string{{"role": "user", "content": *input}},
		"stream":   true,
	})

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DisableCompression:  true,
		MaxIdleConns:        *conns,
		MaxIdleConnsPerHost: *conns,
		IdleConnTimeout:     30 * time.Second,
	}
	client := &http.Client{Transport: tr, Timeout: 0}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var s stats
	var wg sync.WaitGroup

	fmt.Printf("[sse-soak] url=%s conns=%d duration=%s ramp=%s\n", u, *conns, duration.String(), ramp.String())

	startedAt := time.Now()
	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if *ramp > 0 && *conns > 1 {
				delay := time.Duration(int64(*ramp) * int64(i) / int64(*conns-1))
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			runOne(ctx, client, u, strings.TrimSpace(*key), raw, &s)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(startedAt)

	firstAvg := time.Duration(0)
	if n := atomic.LoadInt64(&s.firstN); n > 0 {
		firstAvg = time.Duration(atomic.LoadInt64(&s.firstSum) / n)
	}
	fmt.Printf("[sse-soak] elapsed=%s started=%d ok=%d bad_status=%d errors=%d done=%d stream_err=%d early_eof=%d bytes=%d first_byte_avg=%s\n",
		elapsed.String(),
		atomic.LoadInt64(&s.started),
		atomic.LoadInt64(&s.ok),
		atomic.LoadInt64(&s.badStatus),
		atomic.LoadInt64(&s.errors),
		atomic.LoadInt64(&s.done),
		atomic.LoadInt64(&s.streamErr),
		atomic.LoadInt64(&s.earlyEOF),
		atomic.LoadInt64(&s.bytes),
		firstAvg.String(),
	)
}

func runOne(ctx context.Context, client *http.Client, u string, key string, raw []byte, s *stats) {
	atomic.AddInt64(&s.started, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	t0 := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		atomic.AddInt64(&s.badStatus, 1)
		_, _ = io.CopyN(io.Discard, resp.Body, 1024)
		return
	}
	atomic.AddInt64(&s.ok, 1)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 32<<10), 1<<20)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		atomic.AddInt64(&s.bytes, int64(len(line)+1))
		if first && len(line) > 0 {
			first = false
			atomic.AddInt64(&s.firstN, 1)
			atomic.AddInt64(&s.firstSum, int64(time.Since(t0)))
		}
		data, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		if string(data) == "[DONE]" {
			atomic.AddInt64(&s.done, 1)
			return
		}
		if bytes.Contains(data, []byte(`"error"`)) {
			atomic.AddInt64(&s.streamErr, 1)
			return
		}
	}
	if err := sc.Err(); err != nil && !isEOF(err) {
		if ctx.Err() == nil {
			atomic.AddInt64(&s.errors, 1)
		}
		return
	}
	// 没有 [DONE] 也没有错误事件就断开。
	if ctx.Err() == nil {
		atomic.AddInt64(&s.earlyEOF, 1)
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "use of closed network connection")
}
