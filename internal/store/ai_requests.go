package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const aiRequestColumns = `
id, request_id, project_id, api_key_id, provider, model,
prompt_tokens, completion_tokens, total_tokens,
cost_usd, provider_cost_usd, charge_usd, markup_percentage,
latency_ms, status, error_message, end_user_id, created_at`

// InsertAIRequest 写入一条用量记录；CreatedAt 为空时取当前 UTC 时间。
func (s *Store) InsertAIRequest(ctx context.Context, r *AIRequest) error {
	if r == nil {
		return errors.New("ai request 为空")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return errors.New("request_id 不能为空")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO ai_requests(
  request_id, project_id, api_key_id, provider, model,
  prompt_tokens, completion_tokens, total_tokens,
  cost_usd, provider_cost_usd, charge_usd, markup_percentage,
  latency_ms, status, error_message, end_user_id, created_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, r.RequestID, r.ProjectID, r.APIKeyID, r.Provider, r.Model,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		roundUSD(r.CostUSD), roundUSD(r.ProviderCostUSD), roundUSD(r.ChargeUSD), r.MarkupPercent,
		r.LatencyMS, r.Status, stringOrNil(r.ErrorMessage), stringOrNil(r.EndUserID), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("写入用量记录失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// GetAIRequest 只返回属于 projectID 的记录；跨项目访问与不存在同样返回 sql.ErrNoRows。
func (s *Store) GetAIRequest(ctx context.Context, projectID string, requestID string) (AIRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+aiRequestColumns+` FROM ai_requests WHERE project_id=? AND request_id=?`, projectID, requestID)
	r, err := scanAIRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AIRequest{}, sql.ErrNoRows
		}
		return AIRequest{}, fmt.Errorf("查询用量记录失败: %w", err)
	}
	return r, nil
}

// ListAIRequestsAfter 以自增 id 为游标按升序返回项目的新记录，用于日志实时推送。
func (s *Store) ListAIRequestsAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]AIRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+aiRequestColumns+`
FROM ai_requests
WHERE project_id=? AND id > ?
ORDER BY id ASC
LIMIT ?`, projectID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询用量记录失败: %w", err)
	}
	defer rows.Close()

	var out []AIRequest
	for rows.Next() {
		r, err := scanAIRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描用量记录失败: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用量记录失败: %w", err)
	}
	return out, nil
}

// LatestAIRequestID 返回项目当前最大的记录 id；无记录时为 0。
func (s *Store) LatestAIRequestID(ctx context.Context, projectID string) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM ai_requests WHERE project_id=?`, projectID).Scan(&id); err != nil {
		return 0, fmt.Errorf("查询最新用量记录失败: %w", err)
	}
	return id.Int64, nil
}

// CountAIRequestsSince 统计窗口内项目的请求数，作为 SQL 版限流计数器的数据源。
func (s *Store) CountAIRequestsSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ai_requests WHERE project_id=? AND created_at >= ?`, projectID, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计窗口请求数失败: %w", err)
	}
	return n, nil
}

// CountAIRequestsByStatus 仅用于测试与运维排查。
func (s *Store) CountAIRequestsByStatus(ctx context.Context, projectID string, status string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ai_requests WHERE project_id=? AND status=?`, projectID, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计用量记录失败: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAIRequest(row rowScanner) (AIRequest, error) {
	var (
		r         AIRequest
		errMsg    sql.NullString
		endUserID sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RequestID, &r.ProjectID, &r.APIKeyID, &r.Provider, &r.Model,
		&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.CostUSD, &r.ProviderCostUSD, &r.ChargeUSD, &r.MarkupPercent,
		&r.LatencyMS, &r.Status, &errMsg, &endUserID, &r.CreatedAt); err != nil {
		return AIRequest{}, err
	}
	r.CostUSD = roundUSD(r.CostUSD)
	r.ProviderCostUSD = roundUSD(r.ProviderCostUSD)
	r.ChargeUSD = roundUSD(r.ChargeUSD)
	r.MarkupPercent = r.MarkupPercent.Round(4)
	r.ErrorMessage = nullStringPtr(errMsg)
	r.EndUserID = nullStringPtr(endUserID)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}
