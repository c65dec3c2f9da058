// Package auth 把调用方出示的 API key 解析为 project/organization/tier/balance 主体。
package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"llmgate/internal/apierror"
	"llmgate/internal/crypto"
	"llmgate/internal/store"
)

type Principal struct {
	APIKeyID       int64
	ProjectID      string
	OrganizationID string
	Tier           string
	// Balance 是鉴权时刻的余额快照，仅用于预检与错误提示；扣减以账本为准。
	Balance decimal.Decimal
}

type KeyStore interface {
	LookupAPIKeyByHash(ctx context.Context, keyHash []byte) (store.APIKeyPrincipal, error)
}

type Authenticator struct {
	st KeyStore
}

func NewAuthenticator(st KeyStore) *Authenticator {
	return &Authenticator{st: st}
}

// Authenticate 无副作用；key 缺失、未知或已吊销统一返回 Unauthorized。
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return Principal{}, apierror.New(apierror.KindUnauthorized, "API key required")
	}
	p, err := a.st.LookupAPIKeyByHash(ctx, crypto.KeyHash(rawKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Principal{}, apierror.New(apierror.KindUnauthorized, "Invalid API key")
		}
		return Principal{}, apierror.Wrap(apierror.KindInternal, "", err)
	}
	tier := strings.ToLower(strings.TrimSpace(p.Tier))
	if tier == "" {
		tier = store.TierFree
	}
	return Principal{
		APIKeyID:       p.APIKeyID,
		ProjectID:      p.ProjectID,
		OrganizationID: p.OrganizationID,
		Tier:           tier,
		Balance:        p.Balance,
	}, nil
}

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
