package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func (s *Store) CreateOrganization(ctx context.Context, o Organization) error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.New("organization id 不能为空")
	}
	tier := strings.TrimSpace(o.SubscriptionTier)
	if tier == "" {
		tier = TierFree
	}
	status := strings.TrimSpace(o.SubscriptionStatus)
	if status == "" {
		status = "active"
	}
	if o.CreditsBalance.IsNegative() {
		return errors.New("初始积分不能为负数")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO organizations(
  id, name, subscription_tier, subscription_status, subscription_id, polar_customer_id,
  subscription_current_period_start, subscription_current_period_end,
  monthly_request_limit, credits_balance, created_at, updated_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, o.ID, o.Name, tier, status, stringOrNil(o.SubscriptionID), stringOrNil(o.PolarCustomerID),
		timeOrNil(o.PeriodStart), timeOrNil(o.PeriodEnd),
		o.MonthlyRequestLimit, roundUSD(o.CreditsBalance), now, now)
	if err != nil {
		return fmt.Errorf("创建组织失败: %w", err)
	}
	return nil
}

// GetOrganization 不存在时返回 sql.ErrNoRows。
func (s *Store) GetOrganization(ctx context.Context, id string) (Organization, error) {
	var (
		o           Organization
		subID       sql.NullString
		customerID  sql.NullString
		periodStart sql.NullTime
		periodEnd   sql.NullTime
		balance     decimal.Decimal
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, subscription_tier, subscription_status, subscription_id, polar_customer_id,
       subscription_current_period_start, subscription_current_period_end,
       monthly_request_limit, credits_balance, created_at, updated_at
FROM organizations
WHERE id=?
`, id).Scan(&o.ID, &o.Name, &o.SubscriptionTier, &o.SubscriptionStatus, &subID, &customerID,
		&periodStart, &periodEnd, &o.MonthlyRequestLimit, &balance, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Organization{}, sql.ErrNoRows
		}
		return Organization{}, fmt.Errorf("查询组织失败: %w", err)
	}
	o.SubscriptionID = nullStringPtr(subID)
	o.PolarCustomerID = nullStringPtr(customerID)
	o.PeriodStart = nullTimePtr(periodStart)
	o.PeriodEnd = nullTimePtr(periodEnd)
	o.CreditsBalance = roundUSD(balance)
	return o, nil
}

// SubscriptionUpdate 是一次订阅事件落库的完整目标状态；同一输入重复应用结果一致。
type SubscriptionUpdate struct {
	Tier                string
	Status              string
	SubscriptionID      *string
	CustomerID          *string
	PeriodStart         *time.Time
	PeriodEnd           *time.Time
	MonthlyRequestLimit int64
}

func (s *Store) ApplySubscription(ctx context.Context, orgID string, u SubscriptionUpdate) error {
	return s.updateOrganizationTx(ctx, orgID, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
UPDATE organizations
SET subscription_tier=?, subscription_status=?, subscription_id=?, polar_customer_id=?,
    subscription_current_period_start=?, subscription_current_period_end=?,
    monthly_request_limit=?, updated_at=?
WHERE id=?
`, u.Tier, u.Status, stringOrNil(u.SubscriptionID), stringOrNil(u.CustomerID),
			timeOrNil(u.PeriodStart), timeOrNil(u.PeriodEnd), u.MonthlyRequestLimit, now, orgID)
		if err != nil {
			return fmt.Errorf("更新组织订阅失败: %w", err)
		}
		return nil
	})
}

// RevertToFree 回落到免费档；保留 subscription_id/customer_id 便于对账。
func (s *Store) RevertToFree(ctx context.Context, orgID string, status string, monthlyLimit int64) error {
	return s.updateOrganizationTx(ctx, orgID, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
UPDATE organizations
SET subscription_tier=?, subscription_status=?, monthly_request_limit=?, updated_at=?
WHERE id=?
`, TierFree, status, monthlyLimit, now, orgID)
		if err != nil {
			return fmt.Errorf("回落免费档失败: %w", err)
		}
		return nil
	})
}

// updateOrganizationTx 先锁定行再更新：MySQL 的 RowsAffected 在值未变化时为 0，不能用来判断存在性。
func (s *Store) updateOrganizationTx(ctx context.Context, orgID string, fn func(tx *sql.Tx, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM organizations WHERE id=?`+forUpdateClause(s.dialect), orgID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrganizationNotFound
		}
		return fmt.Errorf("查询组织失败: %w", err)
	}
	if err := fn(tx, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}
