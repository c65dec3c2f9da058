package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llmgate/internal/apierror"
	"llmgate/internal/auth"
	"llmgate/internal/store"
)

const creditTransactionsLimit = 50

type creditTransactionView struct {
	ID            int64     `json:"id"`
	Amount        float64   `json:"amount"`
	Type          string    `json:"transaction_type"`
	BalanceBefore float64   `json:"balance_before"`
	BalanceAfter  float64   `json:"balance_after"`
	Description   string    `json:"description"`
	Reference     *string   `json:"reference,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type creditsResponse struct {
	Balance      float64                 `json:"balance"`
	Tier         string                  `json:"tier"`
	LastUpdated  time.Time               `json:"lastUpdated"`
	Transactions []creditTransactionView `json:"transactions"`
}

// Credits 处理 GET /api/credits：返回 key 所属组织的余额与最近 50 条流水。
func (h *Handler) Credits(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		apierror.Write(w, apierror.New(apierror.KindUnauthorized, "API key required"))
		return
	}
	org, err := h.orgs.GetOrganization(r.Context(), p.OrganizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Organization not found"})
			return
		}
		apierror.Write(w, apierror.Wrap(apierror.KindInternal, "", err))
		return
	}
	txs, err := h.ledger.Transactions(r.Context(), org.ID, creditTransactionsLimit)
	if err != nil {
		apierror.Write(w, apierror.Wrap(apierror.KindInternal, "", err))
		return
	}

	out := creditsResponse{
		Balance:      org.CreditsBalance.InexactFloat64(),
		Tier:         org.SubscriptionTier,
		LastUpdated:  org.UpdatedAt.UTC(),
		Transactions: make([]creditTransactionView, 0, len(txs)),
	}
	for _, t := range txs {
		out.Transactions = append(out.Transactions, creditTransactionView{
			ID:            t.ID,
			Amount:        t.Amount.InexactFloat64(),
			Type:          t.TransactionType,
			BalanceBefore: t.BalanceBefore.InexactFloat64(),
			BalanceAfter:  t.BalanceAfter.InexactFloat64(),
			Description:   t.Description,
			Reference:     t.Reference,
			CreatedAt:     t.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type requestLogView struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	Status           string    `json:"status"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	ProviderCostUSD  float64   `json:"provider_cost_usd"`
	MarkupPercent    float64   `json:"markup_percentage"`
	LatencyMS        int64     `json:"latency_ms"`
	ErrorMessage     *string   `json:"error_message"`
	EndUserID        *string   `json:"end_user_id,omitempty"`
	APIKeyID         int64     `json:"api_key_id"`
}

func toRequestLogView(r store.AIRequest) requestLogView {
	return requestLogView{
		ID:               r.RequestID,
		CreatedAt:        r.CreatedAt.UTC(),
		Status:           r.Status,
		Provider:         r.Provider,
		Model:            r.Model,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		CostUSD:          r.ChargeUSD.InexactFloat64(),
		ProviderCostUSD:  r.ProviderCostUSD.InexactFloat64(),
		MarkupPercent:    r.MarkupPercent.InexactFloat64(),
		LatencyMS:        r.LatencyMS,
		ErrorMessage:     r.ErrorMessage,
		EndUserID:        r.EndUserID,
		APIKeyID:         r.APIKeyID,
	}
}

// LogDetail 处理 GET /api/logs/{request_id}；只能查看 key 所属 project 的记录。
func (h *Handler) LogDetail(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		apierror.Write(w, apierror.New(apierror.KindUnauthorized, "API key required"))
		return
	}
	id := strings.TrimSpace(r.PathValue("request_id"))
	if id == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Request not found"})
		return
	}
	rec, err := h.logs.GetAIRequest(r.Context(), p.ProjectID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Request not found"})
			return
		}
		apierror.Write(w, apierror.Wrap(apierror.KindInternal, "", err))
		return
	}
	writeJSON(w, http.StatusOK, toRequestLogView(rec))
}

const logStreamBatch = 100

// LogStream 处理 GET /api/logs/stream：轮询新写入的用量记录并以 SSE 推送，周期性发送心跳注释。
func (h *Handler) LogStream(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		apierror.Write(w, apierror.New(apierror.KindUnauthorized, "API key required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierror.Write(w, apierror.New(apierror.KindInternal, "streaming unsupported"))
		return
	}
	if !h.logStreams.Acquire(p.ProjectID) {
		apierror.Write(w, apierror.Newf(apierror.KindRateLimited, "Too many open log streams (max %d per project)", h.logStreams.Max()))
		return
	}
	defer h.logStreams.Release(p.ProjectID)

	ctx := r.Context()
	lastID, err := h.logs.LatestAIRequestID(ctx, p.ProjectID)
	if err != nil {
		apierror.Write(w, apierror.Wrap(apierror.KindInternal, "", err))
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache, no-transform")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(v any) bool {
		b, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := io.WriteString(w, "data: "+string(b)+"\n\n"); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(map[string]any{"type": "connected", "project_id": p.ProjectID}) {
		return
	}

	poll := time.NewTicker(h.opts.LogPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.opts.LogHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-poll.C:
			rows, err := h.logs.ListAIRequestsAfter(ctx, p.ProjectID, lastID, logStreamBatch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "拉取实时日志失败", "project_id", p.ProjectID, "err", err)
				continue
			}
			for _, row := range rows {
				if !send(map[string]any{"type": "new_request", "request": toRequestLogView(row)}) {
					return
				}
				lastID = row.ID
			}
		}
	}
}
