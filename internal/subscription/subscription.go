// Package subscription 把外部订阅系统（Polar）推送的签名事件同步为组织的计费档位。
//
// 处理顺序固定：验签 -> 解析 -> 按事件类型分发 -> 产品映射档位 -> 幂等写库。
package subscription

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"llmgate/internal/store"
)

const (
	ActionApplied  = "applied"
	ActionReverted = "reverted"
	ActionIgnored  = "ignored"
	ActionWarning  = "warning"
)

// VerifySignature 校验 hex(HMAC-SHA256(body, secret))；比较为常数时间。
func VerifySignature(body []byte, signature string, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign 生成与 VerifySignature 对应的签名，供测试与本地联调使用。
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer_id"`
	ProductID          string            `json:"product_id"`
	Products           []json.RawMessage `json:"products"`
	Status             string            `json:"status"`
	CurrentPeriodStart *time.Time        `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time        `json:"current_period_end"`
	Metadata           map[string]any    `json:"metadata"`
}

func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("解析订阅事件失败: %w", err)
	}
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" {
		return Event{}, errors.New("订阅事件缺少 type")
	}
	return ev, nil
}

// OrgID 取 data.metadata.org_id。
func (e Event) OrgID() string {
	v, ok := e.Data.Metadata["org_id"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// ProductID 优先 data.product_id，其次 data.products[0]（字符串或 {"id":...}）。
func (e Event) ProductID() string {
	if p := strings.TrimSpace(e.Data.ProductID); p != "" {
		return p
	}
	if len(e.Data.Products) == 0 {
		return ""
	}
	first := e.Data.Products[0]
	var s string
	if err := json.Unmarshal(first, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(first, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

// Products 记录四个可售产品 ID；未匹配的产品一律映射为 free。
type Products struct {
	ProMonthly  string
	ProAnnual   string
	TeamMonthly string
	TeamAnnual  string
}

func (p Products) Tier(productID string) string {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return store.TierFree
	}
	switch productID {
	case p.ProMonthly, p.ProAnnual:
		return store.TierPro
	case p.TeamMonthly, p.TeamAnnual:
		return store.TierTeam
	default:
		return store.TierFree
	}
}

type Limits struct {
	Free int64
	Pro  int64
	Team int64
}

func DefaultLimits() Limits {
	return Limits{Free: 1000, Pro: 50000, Team: 250000}
}

func (l Limits) For(tier string) int64 {
	switch tier {
	case store.TierTeam:
		return l.Team
	case store.TierPro:
		return l.Pro
	default:
		return l.Free
	}
}

type Store interface {
	ApplySubscription(ctx context.Context, orgID string, u store.SubscriptionUpdate) error
	RevertToFree(ctx context.Context, orgID string, status string, monthlyLimit int64) error
}

type Outcome struct {
	Action  string
	Warning string
	OrgID   string
	Tier    string
}

type Synchronizer struct {
	st       Store
	products Products
	limits   Limits
}

func NewSynchronizer(st Store, products Products, limits Limits) *Synchronizer {
	if limits.Free <= 0 {
		limits.Free = DefaultLimits().Free
	}
	if limits.Pro <= 0 {
		limits.Pro = DefaultLimits().Pro
	}
	if limits.Team <= 0 {
		limits.Team = DefaultLimits().Team
	}
	return &Synchronizer{st: st, products: products, limits: limits}
}

// Apply 处理一条已验签的事件。缺字段/组织不存在以 Warning 返回且不写库；其余写库失败返回 error。
func (s *Synchronizer) Apply(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Type {
	case "subscription.created", "subscription.active", "subscription.updated":
		orgID := ev.OrgID()
		if orgID == "" {
			return Outcome{Action: ActionWarning, Warning: "No org_id"}, nil
		}
		productID := ev.ProductID()
		if productID == "" {
			return Outcome{Action: ActionWarning, Warning: "No product_id", OrgID: orgID}, nil
		}
		tier := s.products.Tier(productID)
		status := strings.TrimSpace(ev.Data.Status)
		if status == "" {
			status = "active"
		}
		u := store.SubscriptionUpdate{
			Tier:                tier,
			Status:              status,
			SubscriptionID:      optional(ev.Data.ID),
			CustomerID:          optional(ev.Data.CustomerID),
			PeriodStart:         utc(ev.Data.CurrentPeriodStart),
			PeriodEnd:           utc(ev.Data.CurrentPeriodEnd),
			MonthlyRequestLimit: s.limits.For(tier),
		}
		if err := s.st.ApplySubscription(ctx, orgID, u); err != nil {
			if errors.Is(err, store.ErrOrganizationNotFound) {
				return Outcome{Action: ActionWarning, Warning: "organization not found", OrgID: orgID}, nil
			}
			return Outcome{}, err
		}
		return Outcome{Action: ActionApplied, OrgID: orgID, Tier: tier}, nil

	case "subscription.canceled", "subscription.revoked":
		orgID := ev.OrgID()
		if orgID == "" {
			return Outcome{Action: ActionWarning, Warning: "No org_id"}, nil
		}
		if err := s.st.RevertToFree(ctx, orgID, "canceled", s.limits.Free); err != nil {
			if errors.Is(err, store.ErrOrganizationNotFound) {
				return Outcome{Action: ActionWarning, Warning: "organization not found", OrgID: orgID}, nil
			}
			return Outcome{}, err
		}
		return Outcome{Action: ActionReverted, OrgID: orgID, Tier: store.TierFree}, nil

	default:
		// order.paid / checkout.* / customer.* / organization.updated 等只确认收到。
		return Outcome{Action: ActionIgnored}, nil
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
