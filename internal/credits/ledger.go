// Package credits 是预付费积分账本的领域入口：扣减是原子的条件更新，每次成功变更都追加一条流水。
package credits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"llmgate/internal/store"
)

// TopUpURL 在 402 响应中提示调用方充值入口。
const TopUpURL = "/billing/credits"

type Store interface {
	GetCreditBalance(ctx context.Context, orgID string) (decimal.Decimal, error)
	DeductCredits(ctx context.Context, m store.CreditMutation) (store.CreditTransaction, error)
	AddCredits(ctx context.Context, m store.CreditMutation) (store.CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, orgID string, limit int) ([]store.CreditTransaction, error)
}

type Ledger struct {
	st Store
}

func NewLedger(st Store) *Ledger {
	return &Ledger{st: st}
}

// GetBalance 组织不存在时返回 store.ErrOrganizationNotFound。
func (l *Ledger) GetBalance(ctx context.Context, orgID string) (decimal.Decimal, error) {
	b, err := l.st.GetCreditBalance(ctx, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, store.ErrOrganizationNotFound
		}
		return decimal.Zero, err
	}
	return b, nil
}

// HasInsufficient 当且仅当 balance < amount。
func (l *Ledger) HasInsufficient(ctx context.Context, orgID string, amount decimal.Decimal) (bool, error) {
	b, err := l.GetBalance(ctx, orgID)
	if err != nil {
		return false, err
	}
	return b.LessThan(amount), nil
}

// Deduct 余额不足返回 (false, nil) 且不产生任何变更；金额为 0 时视为成功且不写流水。
func (l *Ledger) Deduct(ctx context.Context, orgID string, amount decimal.Decimal, description string, metadata map[string]any) (bool, error) {
	if amount.Sign() < 0 {
		return false, fmt.Errorf("扣减金额不能为负数: %s", amount)
	}
	if amount.Round(store.USDScale).IsZero() {
		return true, nil
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return false, err
	}
	_, err = l.st.DeductCredits(ctx, store.CreditMutation{
		OrganizationID: orgID,
		Amount:         amount,
		Type:           store.TxTypeUsage,
		Description:    description,
		Metadata:       meta,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type AddInput struct {
	OrganizationID string
	Amount         decimal.Decimal
	Type           string
	Description    string
	Reference      string
	Metadata       map[string]any
}

// Add 入账；同一 Reference 只生效一次，重复调用返回 (false, nil)。
func (l *Ledger) Add(ctx context.Context, in AddInput) (bool, error) {
	if in.Amount.Sign() <= 0 {
		return false, fmt.Errorf("入账金额必须为正数: %s", in.Amount)
	}
	switch in.Type {
	case store.TxTypeTopup, store.TxTypeRefund, store.TxTypeAdjustment:
	case "":
		in.Type = store.TxTypeAdjustment
	default:
		return false, fmt.Errorf("不支持的入账类型: %s", in.Type)
	}
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return false, err
	}
	var ref *string
	if in.Reference != "" {
		r := in.Reference
		ref = &r
	}
	_, err = l.st.AddCredits(ctx, store.CreditMutation{
		OrganizationID: in.OrganizationID,
		Amount:         in.Amount,
		Type:           in.Type,
		Description:    in.Description,
		Reference:      ref,
		Metadata:       meta,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *Ledger) Transactions(ctx context.Context, orgID string, limit int) ([]store.CreditTransaction, error) {
	return l.st.ListCreditTransactions(ctx, orgID, limit)
}

func encodeMetadata(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化流水 metadata 失败: %w", err)
	}
	s := string(b)
	return &s, nil
}
