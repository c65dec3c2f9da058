package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"llmgate/internal/apierror"
	"llmgate/internal/pricing"
	"llmgate/internal/upstream"
)

func testClient(srv *httptest.Server) *upstream.Client {
	return upstream.NewClientWithHTTP(srv.Client(), 2*time.Second)
}

func drain(t *testing.T, s Stream) (string, string) {
	t.Helper()
	defer s.Close()

	var sb strings.Builder
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			t.Fatalf("stream ended without finish reason")
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		sb.WriteString(c.Delta)
		if c.FinishReason != "" {
			if _, err := s.Recv(); !errors.Is(err, io.EOF) {
				t.Fatalf("expected io.EOF after finish, got=%v", err)
			}
			return sb.String(), c.FinishReason
		}
	}
}

func TestOpenAI_ChatBuildsRequestAndParses(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected request: %s %v", r.URL.Path, r.Header)
		}
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"model":"gpt-4o-2024-08-06","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer srv.Close()

	temp := 0.2
	max := 64
	p := NewOpenAI("sk-test", srv.URL+"/v1/", testClient(srv), pricing.NewResolver(nil))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}},
		Temperature: &temp,
		MaxTokens:   &max,
		UserID:      "u-1",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi there" || resp.FinishReason != "stop" || resp.Provider != "openai" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if gjson.GetBytes(gotBody, "messages.#").Int() != 2 || gjson.GetBytes(gotBody, "max_tokens").Int() != 64 ||
		gjson.GetBytes(gotBody, "user").String() != "u-1" || gjson.GetBytes(gotBody, "stream").Exists() {
		t.Fatalf("unexpected upstream body: %s", gotBody)
	}
}

func TestOpenAI_StreamDeltasAndFinish(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(b, "stream_options.include_usage").Bool() {
			t.Errorf("expected include_usage, got body=%s", b)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n"+
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"+
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"+
			"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"+
			"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2}}\n\n"+
			"data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI("sk", srv.URL, testClient(srv), pricing.NewResolver(nil))
	s, err := p.Stream(context.Background(), ChatRequest{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	content, finish := drain(t, s)
	if content != "Hello" || finish != "stop" {
		t.Fatalf("unexpected stream result: %q %q", content, finish)
	}
}

func TestStream_TruncatedUpstreamIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI("sk", srv.URL, testClient(srv), pricing.NewResolver(nil))
	s, err := p.Stream(context.Background(), ChatRequest{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()
	c, err := s.Recv()
	if err != nil || c.Delta != "partial" {
		t.Fatalf("first Recv: %+v %v", c, err)
	}
	_, err = s.Recv()
	if !apierror.IsKind(err, apierror.KindProviderServiceUnavailable) {
		t.Fatalf("expected service unavailable, got=%v", err)
	}
}

func TestAnthropic_ChatSplitsSystemAndDefaultsMaxTokens(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("unexpected request: %s %v", r.URL.Path, r.Header)
		}
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"model":"claude-3-sonnet-20240229","content":[{"type":"text","text":"Bonjour"}],"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":4}}`)
	}))
	defer srv.Close()

	p := NewAnthropic("ak", srv.URL, testClient(srv), pricing.NewResolver(nil))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "claude-3-sonnet-20240229",
		Messages: []Message{{Role: "system", Content: "translate"}, {Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Bonjour" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 24 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gjson.GetBytes(gotBody, "system").String() != "translate" ||
		gjson.GetBytes(gotBody, "max_tokens").Int() != 1024 ||
		gjson.GetBytes(gotBody, "messages.#").Int() != 1 {
		t.Fatalf("unexpected upstream body: %s", gotBody)
	}
}

func TestAnthropic_StreamEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5}}}\n\n"+
			"event: ping\ndata: {\"type\":\"ping\"}\n\n"+
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n"+
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"!\"}}\n\n"+
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"max_tokens\"},\"usage\":{\"output_tokens\":2}}\n\n"+
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p := NewAnthropic("ak", srv.URL, testClient(srv), pricing.NewResolver(nil))
	s, err := p.Stream(context.Background(), ChatRequest{Model: "claude-3-haiku-20240307", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	content, finish := drain(t, s)
	if content != "Hi!" || finish != "length" {
		t.Fatalf("unexpected stream result: %q %q", content, finish)
	}
}

func TestAnthropic_StreamOverloadedIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	p := NewAnthropic("ak", srv.URL, testClient(srv), pricing.NewResolver(nil))
	s, err := p.Stream(context.Background(), ChatRequest{Model: "claude-3-haiku-20240307", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()
	_, err = s.Recv()
	e := apierror.As(err)
	if e.Kind != apierror.KindProviderServiceUnavailable || e.Provider != "anthropic" {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestGemini_ChatMapsRolesAndUsage(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.5-flash:generateContent" || r.Header.Get("x-goog-api-key") != "gk" || r.URL.Query().Get("key") != "" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"4"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":1}}`)
	}))
	defer srv.Close()

	temp := 0.0
	p := NewGemini("gk", srv.URL, testClient(srv), pricing.NewResolver(nil))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []Message{
			{Role: "system", Content: "math"},
			{Role: "user", Content: "2+2?"},
			{Role: "assistant", Content: "thinking"},
			{Role: "user", Content: "answer"},
		},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "4" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 10 || resp.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gjson.GetBytes(gotBody, "contents.#").Int() != 3 ||
		gjson.GetBytes(gotBody, "contents.1.role").String() != "model" ||
		gjson.GetBytes(gotBody, "systemInstruction.parts.0.text").String() != "math" ||
		!gjson.GetBytes(gotBody, "generationConfig.temperature").Exists() {
		t.Fatalf("unexpected upstream body: %s", gotBody)
	}
}

func TestGemini_StreamAndSafetyBlock(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "blocked") {
			_, _ = io.WriteString(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
			return
		}
		if r.URL.Query().Get("alt") != "sse" || !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected stream request: %s", r.URL.String())
		}
		_, _ = io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Once \"}]}}]}\r\n\r\n"+
			"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"upon\"}]},\"finishReason\":\"STOP\"}]}\r\n\r\n")
	}))
	defer srv.Close()

	p := NewGemini("gk", srv.URL, testClient(srv), pricing.NewResolver(nil))
	s, err := p.Stream(context.Background(), ChatRequest{Model: "gemini-2.5-flash", Messages: []Message{{Role: "user", Content: "story"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	content, finish := drain(t, s)
	if content != "Once upon" || finish != "stop" {
		t.Fatalf("unexpected stream result: %q %q", content, finish)
	}

	_, err = p.Chat(context.Background(), ChatRequest{Model: "gemini-blocked", Messages: []Message{{Role: "user", Content: "x"}}})
	if !apierror.IsKind(err, apierror.KindProviderContentFilter) {
		t.Fatalf("expected content filter, got=%v", err)
	}
}

func TestProviders_UpstreamStatusNormalized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("bad", srv.URL, testClient(srv), pricing.NewResolver(nil))
	_, err := p.Chat(context.Background(), ChatRequest{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "hi"}}})
	e := apierror.As(err)
	if e.Kind != apierror.KindProviderAuthentication || e.Status() != http.StatusBadGateway || e.Retryable {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestCustom_RejectsInvalidBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewCustom("k", "ftp://example", upstream.NewClient(upstream.Options{}), pricing.NewResolver(nil)); err == nil {
		t.Fatalf("expected invalid base url error")
	}
	p, err := NewCustom("k", "http://127.0.0.1:9999/v1", upstream.NewClient(upstream.Options{}), pricing.NewResolver(nil))
	if err != nil {
		t.Fatalf("NewCustom: %v", err)
	}
	if p.Name() != ProviderCustom {
		t.Fatalf("name: got=%q", p.Name())
	}
}

func TestGemini_TransportErrorDoesNotExposeKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	const key = "SECRET-GEMINI-KEY"
	p := NewGemini(key, base, upstream.NewClient(upstream.Options{DialTimeout: time.Second}), pricing.NewResolver(nil))
	req := ChatRequest{Model: "gemini-2.5-flash", Messages: []Message{{Role: "user", Content: "hi"}}}

	_, err := p.Chat(context.Background(), req)
	e := apierror.As(err)
	if e.Kind != apierror.KindProviderServiceUnavailable {
		t.Fatalf("kind: got=%s want=%s", e.Kind, apierror.KindProviderServiceUnavailable)
	}
	for k, v := range e.Body() {
		if s, ok := v.(string); ok && strings.Contains(s, key) {
			t.Fatalf("error body field %q contains provider key: %s", k, s)
		}
	}
	if strings.Contains(err.Error(), key) {
		t.Fatalf("error text contains provider key: %s", err)
	}

	if _, err := p.Stream(context.Background(), req); err == nil || strings.Contains(err.Error(), key) {
		t.Fatalf("stream error must exist and hide the key: %v", err)
	}
}
