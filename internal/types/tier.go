package types

import "strings"

// QuotaTier selects the rate limit and policy applied to a user.
type QuotaTier string

const (
	TierFree       QuotaTier = "free"
	TierPro        QuotaTier = "pro"
	TierEnterprise QuotaTier = "enterprise"
)

// ParseTier normalizes a tier name. Unknown names are reported as invalid.
func ParseTier(s string) (QuotaTier, bool) {
	switch t := QuotaTier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro, TierEnterprise:
		return t, true
	default:
		return "", false
	}
}
