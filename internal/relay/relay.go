// Package relay 把 provider 的拉取式 Stream 转成下游 SSE：逐 chunk 写出并 flush、ping 保活、idle 超时，
// 并在收到结束 chunk 时触发一次终态回调（计费/用量落库）后写出 [DONE]。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"llmgate/internal/apierror"
	"llmgate/internal/llm"
)

type Outcome string

const (
	// OutcomeCompleted：收到结束 chunk，回调成功，已写出 [DONE]。
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed：上游出错或 idle 超时，已写出错误事件。
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected：结束回调返回错误（如扣费失败），已写出错误事件，未写 [DONE]。
	OutcomeRejected Outcome = "rejected"
	// OutcomeCanceled：下游断开或 ctx 取消。
	OutcomeCanceled Outcome = "canceled"
)

type Options struct {
	// IdleTimeout 为 0 表示禁用；否则上游在该时长内无任何 chunk 时终止。
	IdleTimeout time.Duration
	// PingInterval 为 0 表示禁用；否则周期性写入 SSE 注释行。
	PingInterval time.Duration
}

type Hooks struct {
	// OnFinish 在结束 chunk 写出之后、[DONE] 之前同步调用，且至多调用一次。
	OnFinish func(content string, finishReason string) error
}

type Result struct {
	Outcome      Outcome
	Content      string
	FinishReason string
	Chunks       int
	// FirstChunkAt 为零值表示没有任何 chunk 到达。
	FirstChunkAt time.Time
	Err          error
}

var ErrIdleTimeout = errors.New("stream idle timeout")

type recvItem struct {
	chunk llm.Chunk
	err   error
}

// SetHeaders 写出 SSE 响应头；必须在首次写 body 之前调用。
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Relay 阻塞直到流结束。所有写操作都在调用方 goroutine 内完成；读取上游由一个独立 goroutine 负责，
// 通过无缓冲 channel 交付，保证最多只有当前 chunk 在途。
func Relay(ctx context.Context, w http.ResponseWriter, s llm.Stream, opts Options, hooks Hooks) Result {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = s.Close()
		return Result{Outcome: OutcomeFailed, Err: errors.New("ResponseWriter 不支持 Flush")}
	}

	SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		stopOnce sync.Once
		stopCh   = make(chan struct{})
		wg       sync.WaitGroup
	)
	stop := func() {
		stopOnce.Do(func() {
			close(stopCh)
			_ = s.Close()
		})
	}

	items := make(chan recvItem)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := s.Recv()
			select {
			case items <- recvItem{chunk: c, err: err}:
			case <-stopCh:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var idleTimer *time.Timer
	if opts.IdleTimeout > 0 {
		idleTimer = time.NewTimer(opts.IdleTimeout)
		defer idleTimer.Stop()
	}
	resetIdle := func() {
		if idleTimer == nil {
			return
		}
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(opts.IdleTimeout)
	}
	var pingC <-chan time.Time
	if opts.PingInterval > 0 {
		t := time.NewTicker(opts.PingInterval)
		defer t.Stop()
		pingC = t.C
	}

	var (
		res     Result
		content strings.Builder
	)
	finish := func(r Result) Result {
		stop()
		wg.Wait()
		r.Content = content.String()
		r.Chunks = res.Chunks
		r.FirstChunkAt = res.FirstChunkAt
		return r
	}

	for {
		select {
		case <-ctx.Done():
			return finish(Result{Outcome: OutcomeCanceled, Err: ctx.Err()})

		case it := <-items:
			if it.err != nil {
				if ctx.Err() != nil {
					return finish(Result{Outcome: OutcomeCanceled, Err: ctx.Err()})
				}
				if errors.Is(it.err, io.EOF) {
					it.err = apierror.New(apierror.KindProviderServiceUnavailable, "upstream stream ended before completion")
				}
				_ = writeError(w, flusher, it.err)
				return finish(Result{Outcome: OutcomeFailed, Err: it.err})
			}
			resetIdle()
			if res.Chunks == 0 {
				res.FirstChunkAt = time.Now()
			}
			res.Chunks++
			content.WriteString(it.chunk.Delta)
			if err := writeChunk(w, flusher, it.chunk); err != nil {
				return finish(Result{Outcome: OutcomeCanceled, Err: err})
			}
			if it.chunk.FinishReason == "" {
				continue
			}

			// 结束 chunk：先停止读取上游，再做终态回调。
			stop()
			wg.Wait()
			if hooks.OnFinish != nil {
				if err := hooks.OnFinish(content.String(), it.chunk.FinishReason); err != nil {
					_ = writeError(w, flusher, err)
					return finish(Result{Outcome: OutcomeRejected, FinishReason: it.chunk.FinishReason, Err: err})
				}
			}
			if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
				return finish(Result{Outcome: OutcomeCompleted, FinishReason: it.chunk.FinishReason, Err: err})
			}
			flusher.Flush()
			return finish(Result{Outcome: OutcomeCompleted, FinishReason: it.chunk.FinishReason})

		case <-idleTimerC(idleTimer):
			_ = writeError(w, flusher, apierror.New(apierror.KindProviderServiceUnavailable, "upstream stream idle timeout"))
			return finish(Result{Outcome: OutcomeFailed, Err: ErrIdleTimeout})

		case <-pingC:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return finish(Result{Outcome: OutcomeCanceled, Err: err})
			}
			flusher.Flush()
		}
	}
}

type chunkEvent struct {
	Delta        string  `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

func writeChunk(w io.Writer, f http.Flusher, c llm.Chunk) error {
	ev := chunkEvent{Delta: c.Delta}
	if c.FinishReason != "" {
		r := c.FinishReason
		ev.FinishReason = &r
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "data: "+string(b)+"\n\n"); err != nil {
		return err
	}
	f.Flush()
	return nil
}

// writeError 写出流内错误事件；Internal 错误不暴露细节。
func writeError(w io.Writer, f http.Flusher, err error) error {
	e := apierror.As(err)
	body := e.Body()
	if e.Kind == apierror.KindInternal {
		body["error"] = "Internal server error"
	}
	b, mErr := json.Marshal(body)
	if mErr != nil {
		return mErr
	}
	if _, werr := io.WriteString(w, "data: "+string(b)+"\n\n"); werr != nil {
		return werr
	}
	f.Flush()
	return nil
}

func idleTimerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
