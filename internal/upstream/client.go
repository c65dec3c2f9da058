// Package upstream 封装对 LLM provider 的 HTTP 调用：连接/首包超时、禁止重定向、错误响应归类与 SSE 事件读取。
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"llmgate/internal/apierror"
)

type Options struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	// RequestTimeout 只约束非流式请求的整体耗时；流式请求由 relay 的 idle 超时兜底。
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.TLSHandshakeTimeout <= 0 {
		o.TLSHandshakeTimeout = 10 * time.Second
	}
	if o.ResponseHeaderTimeout <= 0 {
		o.ResponseHeaderTimeout = 60 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 120 * time.Second
	}
	return o
}

type Client struct {
	http           *http.Client
	requestTimeout time.Duration
}

func NewClient(o Options) *Client {
	o = o.withDefaults()
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   o.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   0,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		requestTimeout: o.RequestTimeout,
	}
}

// NewClientWithHTTP 供测试注入 httptest 客户端。
func NewClientWithHTTP(c *http.Client, requestTimeout time.Duration) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{http: c, requestTimeout: requestTimeout}
}

// PostJSON 发起 JSON POST。非 2xx 响应会被读取并归类为 *apierror.Error 返回，调用方无需再关闭 Body。
// 非流式请求的超时 context 在 Body.Close 时释放。
func (c *Client) PostJSON(ctx context.Context, provider string, endpoint string, headers http.Header, body []byte, stream bool) (*http.Response, error) {
	var cancel context.CancelFunc
	if !stream && c.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("构造上游请求失败: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, apierror.Normalize(provider, stripURL(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
			if cancel != nil {
				cancel()
			}
		}()
		return nil, ErrorFromResponse(provider, resp)
	}
	if cancel != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

// stripURL 去掉 *url.Error 中的请求地址，避免 query 里的凭据进入对外错误、用量记录与调试日志。
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

const maxErrorBodyBytes = 64 << 10

// ErrorFromResponse 读取错误响应体并按状态码归类，消息优先取 provider 的结构化 error.message。
func ErrorFromResponse(provider string, resp *http.Response) *apierror.Error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return apierror.FromStatus(provider, resp.StatusCode, ExtractErrorMessage(b))
}

// ExtractErrorMessage 兼容 OpenAI/Anthropic（error.message）、Gemini（error.message + status）与纯文本。
func ExtractErrorMessage(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			v := gjson.GetBytes(body, path)
			if v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String())
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

