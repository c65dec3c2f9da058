// Package usage 把每次完成或失败的对话请求落成一条用量记录，并同步更新进程指标。
package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llmgate/internal/obs"
	"llmgate/internal/pricing"
	"llmgate/internal/store"
)

type Sink interface {
	InsertAIRequest(ctx context.Context, r *store.AIRequest) error
}

type Record struct {
	RequestID        string
	ProjectID        string
	APIKeyID         int64
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Cost             pricing.Cost
	Latency          time.Duration
	Status           string
	ErrorMessage     string
	EndUserID        string
}

type Recorder struct {
	sink Sink
	now  func() time.Time
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, now: time.Now}
}

// NewRequestID 生成对外可见的请求 ID。
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Record 写入一条用量记录并返回其 request_id；非 success 状态的 charge 一律记 0。
func (r *Recorder) Record(ctx context.Context, rec Record) (string, error) {
	if r == nil || r.sink == nil {
		return "", errors.New("usage recorder 未初始化")
	}
	if strings.TrimSpace(rec.ProjectID) == "" {
		return "", errors.New("project_id 不能为空")
	}
	if rec.RequestID == "" {
		rec.RequestID = NewRequestID()
	}
	if rec.Status == "" {
		rec.Status = store.RequestStatusSuccess
	}
	if rec.PromptTokens < 0 {
		rec.PromptTokens = 0
	}
	if rec.CompletionTokens < 0 {
		rec.CompletionTokens = 0
	}
	charge := rec.Cost.ChargeUSD
	if rec.Status != store.RequestStatusSuccess {
		charge = decimal.Zero
	}

	row := &store.AIRequest{
		RequestID:        rec.RequestID,
		ProjectID:        rec.ProjectID,
		APIKeyID:         rec.APIKeyID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.PromptTokens + rec.CompletionTokens,
		CostUSD:          charge,
		ProviderCostUSD:  rec.Cost.ProviderCostUSD,
		ChargeUSD:        charge,
		MarkupPercent:    rec.Cost.MarkupPercent,
		LatencyMS:        rec.Latency.Milliseconds(),
		Status:           rec.Status,
		ErrorMessage:     optional(rec.ErrorMessage),
		EndUserID:        optional(rec.EndUserID),
		CreatedAt:        r.now().UTC(),
	}
	if err := r.sink.InsertAIRequest(ctx, row); err != nil {
		return rec.RequestID, err
	}

	chargeF, _ := charge.Float64()
	obs.RecordChatRequest(rec.Provider, rec.Status, row.PromptTokens, row.CompletionTokens, chargeF, rec.Latency)
	return rec.RequestID, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
