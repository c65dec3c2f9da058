package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"llmgate/internal/apierror"
)

func TestPostJSON_ClassifiesErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected headers: %v", r.Header)
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.Client(), time.Second)
	_, err := c.PostJSON(context.Background(), "anthropic", srv.URL, http.Header{"x-api-key": {"k"}}, []byte(`{}`), false)
	e := apierror.As(err)
	if e.Kind != apierror.KindProviderRateLimit || !e.Retryable || e.Message != "slow down" || e.Provider != "anthropic" {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestPostJSON_TimeoutIsServiceUnavailable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClientWithHTTP(srv.Client(), 50*time.Millisecond)
	_, err := c.PostJSON(context.Background(), "openai", srv.URL, nil, []byte(`{}`), false)
	if !apierror.IsKind(err, apierror.KindProviderServiceUnavailable) {
		t.Fatalf("expected service unavailable, got=%v", err)
	}
}

func TestPostJSON_SuccessBodyReadable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.Client(), time.Second)
	resp, err := c.PostJSON(context.Background(), "openai", srv.URL, nil, []byte(`{}`), false)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil || string(b) != `{"ok":true}` {
		t.Fatalf("unexpected body: %q err=%v", b, err)
	}
}

func TestExtractErrorMessage(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`: "API key not valid",
		`{"error":"bad"}`:    "bad",
		`{"message":"nope"}`: "nope",
		`upstream exploded`:  "upstream exploded",
		``:                   "",
	}
	for in, want := range cases {
		if got := ExtractErrorMessage([]byte(in)); got != want {
			t.Fatalf("ExtractErrorMessage(%q): got=%q want=%q", in, got, want)
		}
	}
}

func TestPostJSON_TransportErrorOmitsURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/v1/chat?key=secret-value"
	srv.Close()

	c := NewClient(Options{DialTimeout: time.Second})
	_, err := c.PostJSON(context.Background(), "google", endpoint, nil, []byte(`{}`), false)
	e := apierror.As(err)
	if e.Kind != apierror.KindProviderServiceUnavailable || !e.Retryable {
		t.Fatalf("unexpected error: %+v", e)
	}
	if strings.Contains(e.Message, "secret-value") || strings.Contains(e.Message, srv.URL) {
		t.Fatalf("message leaks request url: %s", e.Message)
	}
}
