// Package store 提供数据库读写的封装与基础约束，保证业务层只处理领域语义而不是 SQL 细节。
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TierFree = "free"
	TierPro  = "pro"
	TierTeam = "team"
)

const (
	TxTypeUsage      = "usage"
	TxTypeTopup      = "topup"
	TxTypeRefund     = "refund"
	TxTypeAdjustment = "adjustment"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		dialect: DialectMySQL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) SetDialect(d Dialect) {
	if strings.TrimSpace(string(d)) == "" {
		return
	}
	s.dialect = d
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type Organization struct {
	ID                  string
	Name                string
	SubscriptionTier    string
	SubscriptionStatus  string
	SubscriptionID      *string
	PolarCustomerID     *string
	PeriodStart         *time.Time
	PeriodEnd           *time.Time
	MonthlyRequestLimit int64
	CreditsBalance      decimal.Decimal
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Project struct {
	ID             string
	OrganizationID string
	Name           string
	CreatedAt      time.Time
}

type APIKey struct {
	ID        int64
	ProjectID string
	Name      string
	KeyPrefix string
	IsActive  bool
	CreatedAt time.Time
}

// APIKeyPrincipal 是一次 key 查询解析出的完整身份链：key → project → organization。
type APIKeyPrincipal struct {
	APIKeyID       int64
	ProjectID      string
	OrganizationID string
	Tier           string
	Balance        decimal.Decimal
}

type CreditTransaction struct {
	ID              int64
	OrganizationID  string
	Amount          decimal.Decimal
	TransactionType string
	BalanceBefore   decimal.Decimal
	BalanceAfter    decimal.Decimal
	Description     string
	Reference       *string
	Metadata        *string
	CreatedAt       time.Time
}

const (
	RequestStatusSuccess             = "success"
	RequestStatusError               = "error"
	RequestStatusCanceled            = "canceled"
	RequestStatusInsufficientCredits = "insufficient_credits"
)

type AIRequest struct {
	ID               int64
	RequestID        string
	ProjectID        string
	APIKeyID         int64
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          decimal.Decimal
	ProviderCostUSD  decimal.Decimal
	ChargeUSD        decimal.Decimal
	MarkupPercent    decimal.Decimal
	LatencyMS        int64
	Status           string
	ErrorMessage     *string
	EndUserID        *string
	CreatedAt        time.Time
}

type ModelPricing struct {
	Provider      string
	Model         string
	InputPer1K    decimal.Decimal
	OutputPer1K   decimal.Decimal
	MarkupPercent decimal.Decimal
	UpdatedAt     time.Time
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func stringOrNil(p *string) any {
	if p == nil || strings.TrimSpace(*p) == "" {
		return nil
	}
	return *p
}

func timeOrNil(p *time.Time) any {
	if p == nil || p.IsZero() {
		return nil
	}
	return p.UTC()
}
