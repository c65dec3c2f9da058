package obs

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandler_ExposesRecordedSeries(t *testing.T) {
	RecordChatRequest("anthropic", "success", 10, 20, 0.014, 1500*time.Millisecond)
	RecordStreamOutcome("completed")
	RecordRateLimited()
	RecordDeduction("ok")
	RecordWebhookEvent("polar", "subscription.active", "applied")

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)

	for _, needle := range []string{
		`llmgate_chat_requests_total{provider="anthropic",status="success"}`,
		`llmgate_chat_tokens_total{kind="completion",provider="anthropic"}`,
		`llmgate_charge_usd_total{provider="anthropic"}`,
		`llmgate_provider_latency_seconds_bucket{provider="anthropic"`,
		`llmgate_stream_outcomes_total{outcome="completed"}`,
		`llmgate_rate_limited_total`,
		`llmgate_credit_deductions_total{result="ok"}`,
		`llmgate_webhook_events_total{action="applied",source="polar",type="subscription.active"}`,
	} {
		if !strings.Contains(body, needle) {
			t.Fatalf("metrics output missing %q", needle)
		}
	}
}
