package llm

import (
	"context"
	"testing"

	"llmgate/internal/apierror"
	"llmgate/internal/pricing"
)

type stubProvider struct {
	base
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return ChatResponse{Provider: s.name}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req ChatRequest) (Stream, error) {
	return nil, nil
}

func newStub(name string) *stubProvider {
	return &stubProvider{base: base{name: name, resolver: pricing.NewResolver(nil)}}
}

func TestDetectProvider(t *testing.T) {
	t.Parallel()

	r := NewRouter("google")
	cases := map[string]string{
		"gpt-4o":                   ProviderOpenAI,
		"gpt4o":                    ProviderOpenAI,
		"o1-mini":                  ProviderOpenAI,
		"o3":                       ProviderOpenAI,
		"o4-mini":                  ProviderOpenAI,
		"chatgpt-4o-latest":        ProviderOpenAI,
		"text-embedding-3-small":   ProviderOpenAI,
		"davinci-002":              ProviderOpenAI,
		"claude-3-sonnet":          ProviderAnthropic,
		"claude-3-5-haiku-latest":  ProviderAnthropic,
		"gemini-2.5-flash":         ProviderGoogle,
		"models/gemini-1.5-pro":    ProviderGoogle,
		"llama-3-70b":              ProviderGoogle,
		"mistral-large-2407":       ProviderGoogle,
	}
	for model, want := range cases {
		if got := r.DetectProvider(model); got != want {
			t.Fatalf("DetectProvider(%q): got=%q want=%q", model, got, want)
		}
	}

	r.Register(newStub(ProviderCustom))
	if got := r.DetectProvider("llama-3-70b"); got != ProviderCustom {
		t.Fatalf("expected unknown family to route to custom, got=%q", got)
	}
	if got := r.DetectProvider("gpt-4o"); got != ProviderOpenAI {
		t.Fatalf("known family must not route to custom, got=%q", got)
	}
}

func TestNormalizeModelName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"gpt4o":                 "gpt-4o",
		"claude-3-sonnet":       "claude-3-sonnet-20240229",
		"claude-3.5-sonnet":     "claude-3-5-sonnet-20241022",
		"gemini-flash":          "gemini-2.5-flash",
		"models/gemini-1.5-pro": "gemini-1.5-pro",
		" gpt-4o-mini ":         "gpt-4o-mini",
	}
	for in, want := range cases {
		if got := NormalizeModelName(in); got != want {
			t.Fatalf("NormalizeModelName(%q): got=%q want=%q", in, got, want)
		}
	}
}

func TestProviderForModel(t *testing.T) {
	t.Parallel()

	r := NewRouter("")
	r.Register(newStub(ProviderGoogle))
	r.Register(newStub(ProviderAnthropic))

	p, model, err := r.ProviderForModel("claude-3-sonnet")
	if err != nil {
		t.Fatalf("ProviderForModel: %v", err)
	}
	if p.Name() != ProviderAnthropic || model != "claude-3-sonnet-20240229" {
		t.Fatalf("unexpected route: %s %s", p.Name(), model)
	}

	_, _, err = r.ProviderForModel("gpt-4o")
	if !apierror.IsKind(err, apierror.KindProviderModelNotFound) {
		t.Fatalf("expected model not found, got=%v", err)
	}
	if got := r.Names(); len(got) != 2 || got[0] != "anthropic" || got[1] != "google" {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2, "你好世界啊": 2}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Fatalf("EstimateTokens(%q): got=%d want=%d", in, got, want)
		}
	}
}
