// Package access 决定某个订阅档位能否调用某个 provider。
package access

import "strings"

const DefaultProvider = "google"

const UpgradeURL = "/billing"

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPro:
		return TierPro
	case TierTeam:
		return TierTeam
	default:
		return TierFree
	}
}

func (t Tier) Paid() bool {
	return t == TierPro || t == TierTeam
}

type Decision struct {
	Allowed    bool
	Reason     string
	UpgradeURL string
}

// Policy 允许覆盖默认 provider（配置项），其余规则固定。
type Policy struct {
	DefaultProvider string
}

func (p Policy) defaultProvider() string {
	if v := strings.ToLower(strings.TrimSpace(p.DefaultProvider)); v != "" {
		return v
	}
	return DefaultProvider
}

// IsDefault 报告 provider 是否为所有档位都可用的默认 provider。
func (p Policy) IsDefault(provider string) bool {
	return strings.EqualFold(strings.TrimSpace(provider), p.defaultProvider())
}

// Decide 是纯函数：默认 provider 对所有档位开放，其余 provider 需要 pro/team。
func (p Policy) Decide(tier Tier, provider string) Decision {
	if p.IsDefault(provider) || tier.Paid() {
		return Decision{Allowed: true}
	}
	return Decision{
		Allowed:    false,
		Reason:     "Multi-model access requires a paid subscription. Upgrade to Pro or Team to use " + provider + " models.",
		UpgradeURL: UpgradeURL,
	}
}

// Decide 使用默认策略。
func Decide(tier Tier, provider string) Decision {
	return Policy{}.Decide(tier, provider)
}

// RequiresCredits 只有付费档调用非默认 provider 才走积分预检与扣减。
func (p Policy) RequiresCredits(tier Tier, provider string) bool {
	return tier.Paid() && !p.IsDefault(provider)
}
