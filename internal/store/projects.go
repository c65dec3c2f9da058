package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func (s *Store) CreateProject(ctx context.Context, p Project) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.OrganizationID) == "" {
		return errors.New("project id 与 organization id 不能为空")
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO projects(id, organization_id, name, created_at) VALUES(?, ?, ?, ?)
`, p.ID, p.OrganizationID, p.Name, s.now()); err != nil {
		return fmt.Errorf("创建项目失败: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `SELECT id, organization_id, name, created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrganizationID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, sql.ErrNoRows
		}
		return Project{}, fmt.Errorf("查询项目失败: %w", err)
	}
	return p, nil
}

// CreateAPIKey 只落库哈希与展示前缀，明文 key 由调用方负责一次性展示。
func (s *Store) CreateAPIKey(ctx context.Context, projectID string, name string, keyHash []byte, keyPrefix string) (int64, error) {
	if len(keyHash) == 0 {
		return 0, errors.New("key_hash 不能为空")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(project_id, name, key_hash, key_prefix, is_active, created_at)
VALUES(?, ?, ?, ?, 1, ?)
`, projectID, name, keyHash, keyPrefix, s.now())
	if err != nil {
		return 0, fmt.Errorf("创建 API key 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("获取 API key id 失败: %w", err)
	}
	return id, nil
}

// RevokeAPIKey 只置为失效，不删除行。
func (s *Store) RevokeAPIKey(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active=0 WHERE id=?`, id); err != nil {
		return fmt.Errorf("吊销 API key 失败: %w", err)
	}
	return nil
}

// LookupAPIKeyByHash 一次 JOIN 解析 key → project → organization；未命中或已吊销返回 sql.ErrNoRows。
func (s *Store) LookupAPIKeyByHash(ctx context.Context, keyHash []byte) (APIKeyPrincipal, error) {
	var (
		p       APIKeyPrincipal
		balance decimal.Decimal
	)
	err := s.db.QueryRowContext(ctx, `
SELECT k.id, k.project_id, o.id, o.subscription_tier, o.credits_balance
FROM api_keys k
JOIN projects p ON p.id = k.project_id
JOIN organizations o ON o.id = p.organization_id
WHERE k.key_hash=? AND k.is_active=1
LIMIT 1
`, keyHash).Scan(&p.APIKeyID, &p.ProjectID, &p.OrganizationID, &p.Tier, &balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIKeyPrincipal{}, sql.ErrNoRows
		}
		return APIKeyPrincipal{}, fmt.Errorf("查询 API key 失败: %w", err)
	}
	p.Balance = roundUSD(balance)
	return p, nil
}
