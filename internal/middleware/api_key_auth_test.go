package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"llmgate/internal/auth"
	"llmgate/internal/crypto"
	"llmgate/internal/ratelimit"
	"llmgate/internal/store"
)

type keyTable map[string]store.APIKeyPrincipal

func (k keyTable) LookupAPIKeyByHash(ctx context.Context, keyHash []byte) (store.APIKeyPrincipal, error) {
	p, ok := k[string(keyHash)]
	if !ok {
		return store.APIKeyPrincipal{}, sql.ErrNoRows
	}
	return p, nil
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(keyTable{
		string(crypto.KeyHash("csk_live")): {APIKeyID: 1, ProjectID: "proj_1", OrganizationID: "org_1", Tier: "pro"},
	})
}

func TestAPIKeyAuth_HeaderSources(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer csk_live", http.StatusOK},
		{"bearer lowercase", "Authorization", "bearer csk_live", http.StatusOK},
		{"x-api-key", "x-api-key", "csk_live", http.StatusOK},
		{"legacy header", LegacyAPIKeyHeader, "csk_live", http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"unknown key", "Authorization", "Bearer csk_nope", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic csk_live", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var got auth.Principal
			h := APIKeyAuth(testAuthenticator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = auth.PrincipalFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("status: got=%d want=%d body=%s", rr.Code, tc.want, rr.Body.String())
			}
			if tc.want == http.StatusOK && got.ProjectID != "proj_1" {
				t.Fatalf("principal not propagated: %+v", got)
			}
			if tc.want == http.StatusUnauthorized {
				var body map[string]any
				if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body["kind"] != "unauthorized" {
					t.Fatalf("unexpected body: %v", body)
				}
			}
		})
	}
}

type fixedCounter struct{ prior int64 }

func (f fixedCounter) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	return f.prior, nil
}

func TestRateLimit_HeadersAnd429(t *testing.T) {
	t.Parallel()

	run := func(prior int64) *httptest.ResponseRecorder {
		l := ratelimit.New(fixedCounter{prior: prior}, time.Minute, 3)
		h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), APIKeyAuth(testAuthenticator()), RateLimit(l))
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
		req.Header.Set("Authorization", "Bearer csk_live")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := run(1)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got=%d want=200", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "3" || rr.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("unexpected headers: %v", rr.Header())
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("missing reset header")
	}

	rr = run(3)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status: got=%d want=429", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining: got=%q want=0", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if !strings.Contains(rr.Body.String(), `"kind":"rate_limited"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestBodyCache_LimitAndReplay(t *testing.T) {
	t.Parallel()

	var cached string
	var replay string
	h := BodyCache(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cached = string(CachedBody(r.Context()))
		b := make([]byte, 16)
		n, _ := r.Body.Read(b)
		replay = string(b[:n])
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345678")))
	if rr.Code != http.StatusOK || cached != "12345678" || replay != "12345678" {
		t.Fatalf("unexpected: code=%d cached=%q replay=%q", rr.Code, cached, replay)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("123456789")))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: got=%d want=413", rr.Code)
	}
}
