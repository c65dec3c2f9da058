package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"llmgate/internal/access"
	"llmgate/internal/apierror"
	"llmgate/internal/auth"
	"llmgate/internal/llm"
	"llmgate/internal/middleware"
	"llmgate/internal/obs"
	"llmgate/internal/pricing"
	"llmgate/internal/proxylog"
	"llmgate/internal/relay"
	"llmgate/internal/store"
	"llmgate/internal/usage"
)

type chatBody struct {
	Messages       []llm.Message `json:"messages"`
	Model          string        `json:"model"`
	Temperature    *float64      `json:"temperature"`
	MaxTokens      *int          `json:"maxTokens"`
	MaxTokensSnake *int          `json:"max_tokens"`
	Stream         bool          `json:"stream"`
	UserID         string        `json:"userId"`
}

// parseChatBody 只做网关侧校验；模型是否存在交给 provider 判断。
func parseChatBody(b []byte, defaultModel string) (llm.ChatRequest, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return llm.ChatRequest{}, apierror.New(apierror.KindInvalidRequest, "Request body is required")
	}
	var in chatBody
	if err := json.Unmarshal(b, &in); err != nil {
		return llm.ChatRequest{}, apierror.New(apierror.KindInvalidRequest, "Invalid JSON body")
	}
	if len(in.Messages) == 0 {
		return llm.ChatRequest{}, apierror.New(apierror.KindInvalidRequest, "messages must be a non-empty array")
	}
	msgs := make([]llm.Message, 0, len(in.Messages))
	for i, m := range in.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "system", "user", "assistant":
		default:
			return llm.ChatRequest{}, apierror.Newf(apierror.KindInvalidRequest, "messages[%d].role must be one of system, user, assistant", i)
		}
		if strings.TrimSpace(m.Content) == "" {
			return llm.ChatRequest{}, apierror.Newf(apierror.KindInvalidRequest, "messages[%d].content must be a non-empty string", i)
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return llm.ChatRequest{}, apierror.New(apierror.KindInvalidRequest, "temperature must be between 0 and 2")
	}
	maxTokens := in.MaxTokens
	if maxTokens == nil {
		maxTokens = in.MaxTokensSnake
	}
	if maxTokens != nil && *maxTokens <= 0 {
		return llm.ChatRequest{}, apierror.New(apierror.KindInvalidRequest, "maxTokens must be a positive integer")
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = defaultModel
	}
	return llm.ChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: in.Temperature,
		MaxTokens:   maxTokens,
		Stream:      in.Stream,
		UserID:      strings.TrimSpace(in.UserID),
	}, nil
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	RequestID    string    `json:"request_id"`
	Content      string    `json:"content"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Usage        chatUsage `json:"usage"`
	CostUSD      float64   `json:"cost_usd"`
	FinishReason string    `json:"finish_reason"`
}

// chatCall 汇总一次对话在各阶段共享的上下文。
type chatCall struct {
	requestID string
	principal auth.Principal
	provider  llm.Provider
	req       llm.ChatRequest
	billable  bool
	start     time.Time
}

func (c chatCall) providerName() string { return c.provider.Name() }

// Chat 处理 POST /v1/chat：鉴权与限流已由中间件完成，这里依次做路由、访问控制、余额预检、调用与结算。
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		apierror.Write(w, apierror.New(apierror.KindUnauthorized, "API key required"))
		return
	}

	body := middleware.CachedBody(r.Context())
	if body == nil && r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			apierror.Write(w, apierror.New(apierror.KindInvalidRequest, "Failed to read request body"))
			return
		}
		body = b
	}
	req, err := parseChatBody(body, h.opts.DefaultModel)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	// 访问控制先于适配器查找：免费档不应因 provider 未配置而拿到 404。
	req.Model = h.router.NormalizeModelName(req.Model)
	providerName := h.router.DetectProvider(req.Model)
	tier := access.ParseTier(p.Tier)

	if d := h.policy.Decide(tier, providerName); !d.Allowed {
		apierror.Write(w, apierror.New(apierror.KindAccessDenied, "Multi-model access requires a paid subscription").
			WithDetail(d.Reason).
			WithProvider(providerName).
			With("upgradeUrl", h.opts.UpgradeURL))
		return
	}

	provider, _, err := h.router.ProviderForModel(req.Model)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	billable := h.policy.RequiresCredits(tier, provider.Name())
	if billable {
		bal, err := h.ledger.GetBalance(r.Context(), p.OrganizationID)
		if err != nil {
			slog.ErrorContext(r.Context(), "查询积分余额失败", "organization_id", p.OrganizationID, "err", err)
			apierror.Write(w, apierror.Wrap(apierror.KindInternal, "", err))
			return
		}
		if bal.LessThan(h.opts.PrecheckUSD) {
			apierror.Write(w, h.insufficientCredits(bal))
			return
		}
	}

	c := chatCall{
		requestID: usage.NewRequestID(),
		principal: p,
		provider:  provider,
		req:       req,
		billable:  billable,
		start:     start,
	}
	if req.Stream {
		h.chatStream(w, r, c)
		return
	}
	h.chatJSON(w, r, c)
}

func (h *Handler) chatJSON(w http.ResponseWriter, r *http.Request, c chatCall) {
	resp, err := c.provider.Chat(r.Context(), c.req)
	if err != nil {
		e := apierror.Normalize(c.providerName(), err)
		status := store.RequestStatusError
		if r.Context().Err() != nil {
			status = store.RequestStatusCanceled
		}
		actx, cancel := accountingContext(r.Context())
		defer cancel()
		prompt := llm.CountPromptTokens(c.provider, c.req.Model, c.req.Messages)
		h.record(actx, c, status, prompt, 0, pricing.Cost{}, string(e.Kind)+": "+e.Message)
		h.logFailure(actx, r, c, e)
		apierror.Write(w, e)
		return
	}

	actx, cancel := accountingContext(r.Context())
	defer cancel()
	u := resp.Usage
	cost, err := h.settle(actx, c, u.PromptTokens, u.CompletionTokens)
	if err != nil {
		h.record(actx, c, statusForSettleError(err), u.PromptTokens, u.CompletionTokens, cost, err.Error())
		apierror.Write(w, err)
		return
	}
	h.record(actx, c, store.RequestStatusSuccess, u.PromptTokens, u.CompletionTokens, cost, "")

	model := resp.Model
	if model == "" {
		model = c.req.Model
	}
	writeJSON(w, http.StatusOK, chatResponse{
		RequestID: c.requestID,
		Content:   resp.Content,
		Model:     model,
		Provider:  c.providerName(),
		Usage: chatUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.PromptTokens + u.CompletionTokens,
		},
		CostUSD:      cost.ChargeUSD.InexactFloat64(),
		FinishReason: resp.FinishReason,
	})
}

func (h *Handler) chatStream(w http.ResponseWriter, r *http.Request, c chatCall) {
	s, err := c.provider.Stream(r.Context(), c.req)
	if err != nil {
		e := apierror.Normalize(c.providerName(), err)
		actx, cancel := accountingContext(r.Context())
		defer cancel()
		prompt := llm.CountPromptTokens(c.provider, c.req.Model, c.req.Messages)
		h.record(actx, c, store.RequestStatusError, prompt, 0, pricing.Cost{}, string(e.Kind)+": "+e.Message)
		h.logFailure(actx, r, c, e)
		apierror.Write(w, e)
		return
	}

	prompt := llm.CountPromptTokens(c.provider, c.req.Model, c.req.Messages)
	settled := false
	res := relay.Relay(r.Context(), w, s, relay.Options{
		IdleTimeout:  h.opts.StreamIdleTimeout,
		PingInterval: h.opts.StreamPingInterval,
	}, relay.Hooks{
		OnFinish: func(content string, finishReason string) error {
			settled = true
			completion := int64(c.provider.CountTokens(content, c.req.Model))
			actx, cancel := accountingContext(r.Context())
			defer cancel()
			cost, err := h.settle(actx, c, prompt, completion)
			if err != nil {
				h.record(actx, c, statusForSettleError(err), prompt, completion, cost, err.Error())
				return err
			}
			h.record(actx, c, store.RequestStatusSuccess, prompt, completion, cost, "")
			return nil
		},
	})

	obs.RecordStreamOutcome(string(res.Outcome))
	if !res.FirstChunkAt.IsZero() {
		obs.RecordStreamFirstChunk(res.FirstChunkAt.Sub(c.start))
	}
	if settled {
		return
	}

	// 未走到结束 chunk：只记录用量，不扣费。
	actx, cancel := accountingContext(r.Context())
	defer cancel()
	completion := int64(c.provider.CountTokens(res.Content, c.req.Model))
	cost := h.cost(actx, c, prompt, completion)
	switch res.Outcome {
	case relay.OutcomeCanceled:
		h.record(actx, c, store.RequestStatusCanceled, prompt, completion, cost, "client disconnected")
	default:
		e := apierror.Normalize(c.providerName(), res.Err)
		if e == nil {
			e = apierror.New(apierror.KindInternal, "stream ended without result").WithProvider(c.providerName())
		}
		h.record(actx, c, store.RequestStatusError, prompt, completion, cost, string(e.Kind)+": "+e.Message)
		h.logFailure(actx, r, c, e)
	}
}

// cost 解析定价并计算费用；定价表不可用时回落到 provider 默认值。
func (h *Handler) cost(ctx context.Context, c chatCall, promptTokens, completionTokens int64) pricing.Cost {
	pr, err := c.provider.Pricing(ctx, c.req.Model)
	if err != nil {
		slog.WarnContext(ctx, "解析模型定价失败，使用默认定价", "provider", c.providerName(), "model", c.req.Model, "err", err)
		pr = pricing.Default(c.providerName())
	}
	return pricing.Calculate(promptTokens, completionTokens, pr)
}

// settle 计算费用，并在需要计费时做一次原子扣减。返回的 ChargeUSD 即实际扣减额，不计费的请求为 0。
func (h *Handler) settle(ctx context.Context, c chatCall, promptTokens, completionTokens int64) (pricing.Cost, error) {
	cost := h.cost(ctx, c, promptTokens, completionTokens)
	if !c.billable {
		cost.ChargeUSD = decimal.Zero
		return cost, nil
	}
	if cost.ChargeUSD.Sign() <= 0 {
		return cost, nil
	}
	orgID := c.principal.OrganizationID
	ok, err := h.ledger.Deduct(ctx, orgID, cost.ChargeUSD,
		fmt.Sprintf("AI request: %s/%s", c.providerName(), c.req.Model),
		map[string]any{
			"request_id":        c.requestID,
			"project_id":        c.principal.ProjectID,
			"provider":          c.providerName(),
			"model":             c.req.Model,
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
		})
	if err != nil {
		obs.RecordDeduction("error")
		slog.ErrorContext(ctx, "扣减积分失败", "organization_id", orgID, "request_id", c.requestID, "err", err)
		return cost, apierror.Wrap(apierror.KindInternal, "", err)
	}
	if !ok {
		obs.RecordDeduction("insufficient")
		bal, err := h.ledger.GetBalance(ctx, orgID)
		if err != nil {
			bal = decimal.Zero
		}
		slog.WarnContext(ctx, "调用完成后余额不足，拒绝交付", "organization_id", orgID, "request_id", c.requestID, "charge", cost.ChargeUSD.String())
		return cost, h.insufficientCredits(bal)
	}
	obs.RecordDeduction("ok")
	return cost, nil
}

func (h *Handler) insufficientCredits(balance decimal.Decimal) *apierror.Error {
	return apierror.New(apierror.KindInsufficientCredits, "Insufficient credits").
		WithDetail("Your organization does not have enough credits to use this model. Please top up your credits.").
		With("balance", balance.InexactFloat64()).
		With("topUpUrl", h.opts.TopUpURL)
}

func statusForSettleError(err error) string {
	if apierror.IsKind(err, apierror.KindInsufficientCredits) {
		return store.RequestStatusInsufficientCredits
	}
	return store.RequestStatusError
}

func (h *Handler) record(ctx context.Context, c chatCall, status string, promptTokens, completionTokens int64, cost pricing.Cost, errMsg string) {
	if h.recorder == nil {
		return
	}
	_, err := h.recorder.Record(ctx, usage.Record{
		RequestID:        c.requestID,
		ProjectID:        c.principal.ProjectID,
		APIKeyID:         c.principal.APIKeyID,
		Provider:         c.providerName(),
		Model:            c.req.Model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		Latency:          time.Since(c.start),
		Status:           status,
		ErrorMessage:     errMsg,
		EndUserID:        c.req.UserID,
	})
	if err != nil {
		slog.ErrorContext(ctx, "写入用量记录失败", "request_id", c.requestID, "project_id", c.principal.ProjectID, "status", status, "err", err)
	}
}

func (h *Handler) logFailure(ctx context.Context, r *http.Request, c chatCall, e *apierror.Error) {
	slog.WarnContext(ctx, "provider 调用失败",
		"request_id", c.requestID,
		"project_id", c.principal.ProjectID,
		"provider", c.providerName(),
		"model", c.req.Model,
		"stream", c.req.Stream,
		"kind", string(e.Kind),
		"retryable", e.Retryable,
	)
	if !h.proxyLog.Enabled() {
		return
	}
	model := c.req.Model
	h.proxyLog.WriteFailure(ctx, proxylog.Entry{
		RequestID:      c.requestID,
		Path:           r.URL.Path,
		Method:         r.Method,
		ProjectID:      c.principal.ProjectID,
		OrganizationID: c.principal.OrganizationID,
		APIKeyID:       c.principal.APIKeyID,
		Provider:       c.providerName(),
		Model:          &model,
		Stream:         c.req.Stream,
		StatusCode:     e.Status(),
		ErrorKind:      string(e.Kind),
		ErrorMsg:       e.Message,
		Retryable:      e.Retryable,
		LatencyMS:      time.Since(c.start).Milliseconds(),
	})
}
