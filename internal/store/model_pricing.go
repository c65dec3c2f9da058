package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetModelPricing 未配置时返回 sql.ErrNoRows，由调用方回落到 provider 默认价。
func (s *Store) GetModelPricing(ctx context.Context, provider, model string) (ModelPricing, error) {
	var p ModelPricing
	err := s.db.QueryRowContext(ctx, `
SELECT provider, model, input_per_1k, output_per_1k, markup_percentage, updated_at
FROM model_pricing
WHERE provider=? AND model=?
`, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(model)).
		Scan(&p.Provider, &p.Model, &p.InputPer1K, &p.OutputPer1K, &p.MarkupPercent, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelPricing{}, sql.ErrNoRows
		}
		return ModelPricing{}, fmt.Errorf("查询模型定价失败: %w", err)
	}
	return p, nil
}

func (s *Store) UpsertModelPricing(ctx context.Context, p ModelPricing) error {
	provider := strings.ToLower(strings.TrimSpace(p.Provider))
	model := strings.TrimSpace(p.Model)
	if provider == "" || model == "" {
		return errors.New("provider 与 model 不能为空")
	}
	if p.InputPer1K.IsNegative() || p.OutputPer1K.IsNegative() || p.MarkupPercent.IsNegative() {
		return errors.New("定价不能为负数")
	}
	now := s.now()

	var stmt string
	switch s.dialect {
	case DialectSQLite:
		stmt = `
INSERT INTO model_pricing(provider, model, input_per_1k, output_per_1k, markup_percentage, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, model) DO UPDATE SET
  input_per_1k=excluded.input_per_1k,
  output_per_1k=excluded.output_per_1k,
  markup_percentage=excluded.markup_percentage,
  updated_at=excluded.updated_at`
	default:
		stmt = `
INSERT INTO model_pricing(provider, model, input_per_1k, output_per_1k, markup_percentage, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  input_per_1k=VALUES(input_per_1k),
  output_per_1k=VALUES(output_per_1k),
  markup_percentage=VALUES(markup_percentage),
  updated_at=VALUES(updated_at)`
	}
	if _, err := s.db.ExecContext(ctx, stmt, provider, model, p.InputPer1K, p.OutputPer1K, p.MarkupPercent, now); err != nil {
		return fmt.Errorf("写入模型定价失败: %w", err)
	}
	return nil
}

// SeedModelPricing 仅插入缺失的定价行，已有的人工调整不会被覆盖。
func (s *Store) SeedModelPricing(ctx context.Context, rows []ModelPricing) error {
	now := s.now()
	for _, p := range rows {
		provider := strings.ToLower(strings.TrimSpace(p.Provider))
		model := strings.TrimSpace(p.Model)
		if provider == "" || model == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, insertIgnoreVerb(s.dialect)+` INTO model_pricing(provider, model, input_per_1k, output_per_1k, markup_percentage, updated_at)
VALUES(?, ?, ?, ?, ?, ?)`, provider, model, p.InputPer1K, p.OutputPer1K, p.MarkupPercent, now); err != nil {
			return fmt.Errorf("初始化模型定价失败: %w", err)
		}
	}
	return nil
}
