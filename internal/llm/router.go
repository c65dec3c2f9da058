package llm

import (
	"sort"
	"strings"

	"llmgate/internal/apierror"
)

var modelAliases = map[string]string{
	"gpt4o":             "gpt-4o",
	"gpt4o-mini":        "gpt-4o-mini",
	"gpt4":              "gpt-4",
	"claude-3-opus":     "claude-3-opus-20240229",
	"claude-3-sonnet":   "claude-3-sonnet-20240229",
	"claude-3-haiku":    "claude-3-haiku-20240307",
	"claude-3.5-sonnet": "claude-3-5-sonnet-20241022",
	"claude-3-5-sonnet": "claude-3-5-sonnet-20241022",
	"claude-3.5-haiku":  "claude-3-5-haiku-20241022",
	"claude-3-5-haiku":  "claude-3-5-haiku-20241022",
	"gemini-flash":      "gemini-2.5-flash",
	"gemini-pro":        "gemini-2.5-pro",
}

// Router 在进程启动时构建一次，之后只读，可被并发请求共享。
type Router struct {
	providers       map[string]Provider
	defaultProvider string
}

func NewRouter(defaultProvider string) *Router {
	d := strings.ToLower(strings.TrimSpace(defaultProvider))
	if d == "" {
		d = ProviderGoogle
	}
	return &Router{providers: make(map[string]Provider), defaultProvider: d}
}

// Register 只应在启动阶段调用。
func (r *Router) Register(p Provider) {
	if p == nil {
		return
	}
	r.providers[p.Name()] = p
}

func (r *Router) Has(name string) bool {
	_, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (r *Router) Get(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func (r *Router) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) DefaultProvider() string { return r.defaultProvider }

// NormalizeModelName 去掉 models/ 前缀并展开常见别名。
func NormalizeModelName(model string) string {
	m := strings.TrimSpace(model)
	m = strings.TrimPrefix(m, "models/")
	if v, ok := modelAliases[strings.ToLower(m)]; ok {
		return v
	}
	return m
}

func (r *Router) NormalizeModelName(model string) string {
	return NormalizeModelName(model)
}

// knownFamily 按模型名前缀识别 provider；未识别返回空串。
func knownFamily(model string) string {
	m := strings.ToLower(NormalizeModelName(model))
	switch {
	case strings.HasPrefix(m, "gpt-"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "chatgpt-"),
		strings.HasPrefix(m, "text-"),
		strings.Contains(m, "davinci"):
		return ProviderOpenAI
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini"):
		return ProviderGoogle
	default:
		return ""
	}
}

func (r *Router) DetectProvider(model string) string {
	if p := knownFamily(model); p != "" {
		return p
	}
	if r.Has(ProviderCustom) {
		return ProviderCustom
	}
	return r.defaultProvider
}

// ProviderForModel 返回归一化后的模型名与对应适配器；检测到的 provider 未注册时返回 ProviderModelNotFound。
func (r *Router) ProviderForModel(model string) (Provider, string, error) {
	normalized := r.NormalizeModelName(model)
	name := r.DetectProvider(normalized)
	p, ok := r.providers[name]
	if !ok {
		return nil, normalized, apierror.Newf(apierror.KindProviderModelNotFound, "no provider configured for model %q", normalized).WithProvider(name)
	}
	return p, normalized, nil
}
