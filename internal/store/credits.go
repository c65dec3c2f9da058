package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CreditMutation 描述一次账本变更；Amount 始终为正数，方向由调用的方法决定。
type CreditMutation struct {
	OrganizationID string
	Amount         decimal.Decimal
	Type           string
	Description    string
	Reference      *string
	Metadata       *string
}

// GetCreditBalance 不存在时返回 sql.ErrNoRows。
func (s *Store) GetCreditBalance(ctx context.Context, orgID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT credits_balance FROM organizations WHERE id=?`, orgID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, sql.ErrNoRows
		}
		return decimal.Zero, fmt.Errorf("查询积分余额失败: %w", err)
	}
	return roundUSD(balance), nil
}

// DeductCredits 以单条条件 UPDATE 扣减（余额不足则不命中），并在同一事务内追加流水。
// 条件未命中时返回 ErrInsufficientCredits，且不写任何流水。
func (s *Store) DeductCredits(ctx context.Context, m CreditMutation) (CreditTransaction, error) {
	amount := roundUSD(m.Amount)
	if amount.LessThanOrEqual(decimal.Zero) {
		return CreditTransaction{}, errors.New("扣减金额必须为正数")
	}
	if strings.TrimSpace(m.Type) == "" {
		m.Type = TxTypeUsage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
UPDATE organizations
SET credits_balance = credits_balance - ?, updated_at=?
WHERE id=? AND credits_balance >= ?
`, amount, now, m.OrganizationID, amount)
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("扣减积分失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("读取扣减结果失败: %w", err)
	}
	if n == 0 {
		return CreditTransaction{}, ErrInsufficientCredits
	}

	after, err := balanceInTx(ctx, tx, m.OrganizationID)
	if err != nil {
		return CreditTransaction{}, err
	}
	t := CreditTransaction{
		OrganizationID:  m.OrganizationID,
		Amount:          amount.Neg(),
		TransactionType: m.Type,
		BalanceBefore:   after.Add(amount),
		BalanceAfter:    after,
		Description:     m.Description,
		Reference:       m.Reference,
		Metadata:        m.Metadata,
		CreatedAt:       now,
	}
	if err := insertCreditTransaction(ctx, tx, &t); err != nil {
		return CreditTransaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreditTransaction{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return t, nil
}

// AddCredits 入账；带 Reference 的变更按引用幂等，重复时返回 ErrDuplicateReference。
func (s *Store) AddCredits(ctx context.Context, m CreditMutation) (CreditTransaction, error) {
	amount := roundUSD(m.Amount)
	if amount.LessThanOrEqual(decimal.Zero) {
		return CreditTransaction{}, errors.New("入账金额必须为正数")
	}
	if strings.TrimSpace(m.Type) == "" {
		m.Type = TxTypeAdjustment
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("开始事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ref := stringOrNil(m.Reference); ref != nil {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM credit_transactions WHERE reference=? LIMIT 1`, ref).Scan(&one)
		if err == nil {
			return CreditTransaction{}, ErrDuplicateReference
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return CreditTransaction{}, fmt.Errorf("查询交易引用失败: %w", err)
		}
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
UPDATE organizations
SET credits_balance = credits_balance + ?, updated_at=?
WHERE id=?
`, amount, now, m.OrganizationID)
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("增加积分失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("读取入账结果失败: %w", err)
	}
	if n == 0 {
		return CreditTransaction{}, ErrOrganizationNotFound
	}

	after, err := balanceInTx(ctx, tx, m.OrganizationID)
	if err != nil {
		return CreditTransaction{}, err
	}
	t := CreditTransaction{
		OrganizationID:  m.OrganizationID,
		Amount:          amount,
		TransactionType: m.Type,
		BalanceBefore:   after.Sub(amount),
		BalanceAfter:    after,
		Description:     m.Description,
		Reference:       m.Reference,
		Metadata:        m.Metadata,
		CreatedAt:       now,
	}
	if err := insertCreditTransaction(ctx, tx, &t); err != nil {
		return CreditTransaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreditTransaction{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return t, nil
}

// ListCreditTransactions 按时间倒序返回最近 limit 条流水。
func (s *Store) ListCreditTransactions(ctx context.Context, orgID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, organization_id, amount, transaction_type, balance_before, balance_after,
       description, reference, metadata, created_at
FROM credit_transactions
WHERE organization_id=?
ORDER BY id DESC
LIMIT ?
`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询积分流水失败: %w", err)
	}
	defer rows.Close()

	var out []CreditTransaction
	for rows.Next() {
		var (
			t        CreditTransaction
			ref      sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Amount, &t.TransactionType, &t.BalanceBefore, &t.BalanceAfter,
			&t.Description, &ref, &metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描积分流水失败: %w", err)
		}
		t.Amount = roundUSD(t.Amount)
		t.BalanceBefore = roundUSD(t.BalanceBefore)
		t.BalanceAfter = roundUSD(t.BalanceAfter)
		t.Reference = nullStringPtr(ref)
		t.Metadata = nullStringPtr(metadata)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历积分流水失败: %w", err)
	}
	return out, nil
}

func balanceInTx(ctx context.Context, tx *sql.Tx, orgID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT credits_balance FROM organizations WHERE id=?`, orgID).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("查询变更后余额失败: %w", err)
	}
	return roundUSD(balance), nil
}

func insertCreditTransaction(ctx context.Context, tx *sql.Tx, t *CreditTransaction) error {
	res, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions(
  organization_id, amount, transaction_type, balance_before, balance_after,
  description, reference, metadata, created_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.OrganizationID, t.Amount, t.TransactionType, t.BalanceBefore, t.BalanceAfter,
		t.Description, stringOrNil(t.Reference), stringOrNil(t.Metadata), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("写入积分流水失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}
