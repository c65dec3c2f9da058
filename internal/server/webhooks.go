package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"

	"llmgate/internal/credits"
	"llmgate/internal/middleware"
	"llmgate/internal/obs"
	"llmgate/internal/store"
	"llmgate/internal/subscription"
)

const polarSignatureHeader = "x-polar-signature"

func writeWebhookJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func webhookBody(r *http.Request) ([]byte, error) {
	if b := middleware.CachedBody(r.Context()); b != nil {
		return b, nil
	}
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(r.Body)
}

// handleSubscriptionWebhook 处理 Polar 订阅事件：先验签再解析，重复投递得到相同终态。
func (a *App) handleSubscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := webhookBody(r)
	if err != nil {
		writeWebhookJSON(w, http.StatusBadRequest, map[string]any{"error": "Failed to read body"})
		return
	}

	secret := strings.TrimSpace(a.cfg.Billing.PolarWebhookSecret)
	switch {
	case secret == "" && a.cfg.Env == "dev":
		slog.WarnContext(ctx, "未配置 POLAR_WEBHOOK_SECRET，开发环境跳过验签")
	case !subscription.VerifySignature(body, r.Header.Get(polarSignatureHeader), secret):
		obs.RecordWebhookEvent("polar", "", "rejected")
		writeWebhookJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid signature"})
		return
	}

	ev, err := subscription.ParseEvent(body)
	if err != nil {
		obs.RecordWebhookEvent("polar", "", "failed")
		slog.WarnContext(ctx, "解析订阅事件失败", "err", err)
		writeWebhookJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Webhook processing failed",
			"details": err.Error(),
		})
		return
	}

	out, err := a.subs.Apply(ctx, ev)
	if err != nil {
		obs.RecordWebhookEvent("polar", ev.Type, "failed")
		slog.ErrorContext(ctx, "处理订阅事件失败", "type", ev.Type, "organization_id", ev.OrgID(), "err", err)
		writeWebhookJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Webhook processing failed",
			"details": err.Error(),
		})
		return
	}
	obs.RecordWebhookEvent("polar", ev.Type, out.Action)

	resp := map[string]any{"received": true}
	if out.Warning != "" {
		resp["warning"] = out.Warning
		slog.WarnContext(ctx, "订阅事件未生效", "type", ev.Type, "organization_id", out.OrgID, "warning", out.Warning)
	} else if out.Action != subscription.ActionIgnored {
		slog.InfoContext(ctx, "订阅已同步", "type", ev.Type, "organization_id", out.OrgID, "tier", out.Tier, "action", out.Action)
	}
	writeWebhookJSON(w, http.StatusOK, resp)
}

// stripeAmountUSD 把最小货币单位（美分）换算成美元。
func stripeAmountUSD(raw string) (decimal.Decimal, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n <= 0 {
		return decimal.Zero, false
	}
	return decimal.New(n, -2), true
}

// handleStripeWebhook 处理 Stripe checkout 充值：按 checkout session id 幂等入账。
func (a *App) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	secret := strings.TrimSpace(a.cfg.Billing.StripeWebhookSecret)
	if secret == "" {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	payload, err := webhookBody(r)
	if err != nil || len(payload) == 0 {
		writeWebhookJSON(w, http.StatusBadRequest, map[string]any{"error": "Empty body"})
		return
	}

	event, err := stripeWebhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), secret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		obs.RecordWebhookEvent("stripe", "", "rejected")
		writeWebhookJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid signature"})
		return
	}
	eventType := string(event.Type)

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		obs.RecordWebhookEvent("stripe", eventType, subscription.ActionIgnored)
		writeWebhookJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	sessionID := strings.TrimSpace(event.GetObjectValue("id"))
	orgID := strings.TrimSpace(event.GetObjectValue("metadata", "org_id"))
	status := strings.TrimSpace(event.GetObjectValue("status"))
	currency := strings.ToLower(strings.TrimSpace(event.GetObjectValue("currency")))
	amount, ok := stripeAmountUSD(event.GetObjectValue("amount_total"))

	warning := ""
	switch {
	case status != "" && status != "complete":
		warning = "Checkout session not complete"
	case currency != "usd":
		// 积分以 USD 计，amount_total 只在 usd 下才能按美分换算。
		warning = "Unsupported currency"
	case orgID == "":
		warning = "No org_id"
	case !ok:
		warning = "No amount_total"
	case sessionID == "":
		warning = "No session id"
	}
	if warning != "" {
		obs.RecordWebhookEvent("stripe", eventType, subscription.ActionWarning)
		writeWebhookJSON(w, http.StatusOK, map[string]any{"received": true, "warning": warning})
		return
	}

	added, err := a.ledger.Add(ctx, credits.AddInput{
		OrganizationID: orgID,
		Amount:         amount,
		Type:           store.TxTypeTopup,
		Description:    "Credit top-up via Stripe",
		Reference:      "stripe:" + sessionID,
		Metadata: map[string]any{
			"session_id": sessionID,
			"currency":   strings.ToLower(event.GetObjectValue("currency")),
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrOrganizationNotFound) {
			obs.RecordWebhookEvent("stripe", eventType, subscription.ActionWarning)
			writeWebhookJSON(w, http.StatusOK, map[string]any{"received": true, "warning": "organization not found"})
			return
		}
		obs.RecordWebhookEvent("stripe", eventType, "failed")
		slog.ErrorContext(ctx, "Stripe 充值入账失败", "organization_id", orgID, "session_id", sessionID, "err", err)
		writeWebhookJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Webhook processing failed",
			"details": err.Error(),
		})
		return
	}
	action := subscription.ActionApplied
	if !added {
		action = "duplicate"
	}
	obs.RecordWebhookEvent("stripe", eventType, action)
	slog.InfoContext(ctx, "Stripe 充值已处理", "organization_id", orgID, "session_id", sessionID, "amount", amount.String(), "duplicate", !added)
	writeWebhookJSON(w, http.StatusOK, map[string]any{"received": true})
}
