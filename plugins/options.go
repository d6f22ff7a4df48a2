package plugins

import (
	"encoding/json"
	"sort"
	"strings"
)

// Program config is the system's free-form surface. Each plugin parses the
// section it owns into an explicit option record here; unknown fields are
// ignored and invalid types cause the plugin to skip its effect rather than
// abort the job.

// Section extracts one top-level key from a program config document.
// Returns nil when the document or key is absent or malformed.
func Section(raw json.RawMessage, key string) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc[key]
}

// PointsMultiplier reads the base earn multiplier, defaulting to 1.
func PointsMultiplier(raw json.RawMessage) float64 {
	section := Section(raw, "points_multiplier")
	if section == nil {
		return 1
	}
	var mult float64
	if err := json.Unmarshal(section, &mult); err != nil {
		return 1
	}
	return mult
}

// StampTierOverride adjusts stamp accrual for customers in a tier.
type StampTierOverride struct {
	StampsPerItem *int64 `json:"stamps_per_item"`
	Threshold     *int64 `json:"threshold"`
}

// StampProgram configures one nth-free punch card.
type StampProgram struct {
	ID            string                       `json:"id"`
	SKUs          []string                     `json:"skus"`
	StampsPerItem int64                        `json:"stamps_per_item"`
	Threshold     int64                        `json:"threshold"`
	Unit          string                       `json:"unit"`
	CouponUnit    string                       `json:"coupon_unit"`
	TierOverrides map[string]StampTierOverride `json:"tier_overrides"`
}

// StampUnit returns the configured stamp unit or the conventional default.
func (p StampProgram) StampUnit() string {
	if p.Unit != "" {
		return p.Unit
	}
	return "stamps:" + p.ID
}

// CouponUnitName returns the configured coupon unit or the conventional default.
func (p StampProgram) CouponUnitName() string {
	if p.CouponUnit != "" {
		return p.CouponUnit
	}
	return "coupon:" + p.ID
}

// MatchesSKU reports whether the item sku participates in the program.
// Matching is case-insensitive.
func (p StampProgram) MatchesSKU(sku string) bool {
	for _, candidate := range p.SKUs {
		if strings.EqualFold(candidate, sku) {
			return true
		}
	}
	return false
}

// StampPrograms parses the stamp_programs section. Invalid sections yield nil.
func StampPrograms(raw json.RawMessage) []StampProgram {
	section := Section(raw, "stamp_programs")
	if section == nil {
		return nil
	}
	var programs []StampProgram
	if err := json.Unmarshal(section, &programs); err != nil {
		return nil
	}
	out := programs[:0]
	for _, p := range programs {
		if p.ID == "" {
			continue
		}
		if p.StampsPerItem <= 0 {
			p.StampsPerItem = 1
		}
		out = append(out, p)
	}
	return out
}

// TierDefinition is one rolling-spend tier boundary.
type TierDefinition struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	ThresholdCents int64  `json:"threshold_cents"`
}

// LoyaltyTierOptions configures the rolling-spend tier plugin.
type LoyaltyTierOptions struct {
	WindowDays int              `json:"window_days"`
	Tiers      []TierDefinition `json:"tiers"`
}

// LoyaltyTiers parses the loyalty_tiers section. Missing or invalid config
// yields nil so the plugin skips.
func LoyaltyTiers(raw json.RawMessage) *LoyaltyTierOptions {
	section := Section(raw, "loyalty_tiers")
	if section == nil {
		return nil
	}
	var opts LoyaltyTierOptions
	if err := json.Unmarshal(section, &opts); err != nil {
		return nil
	}
	if opts.WindowDays <= 0 || len(opts.Tiers) == 0 {
		return nil
	}
	return &opts
}

// Allocation strategies for cross-brand redemptions.
const (
	StrategyPriority           = "priority"
	StrategyProportional       = "proportional"
	StrategySourceProportional = "source_proportional"
)

// PartnerOption is one cross-brand partner account.
type PartnerOption struct {
	MerchantAccount string `json:"merchant_account"`
	Weight          int64  `json:"weight"`
	ExpiryDays      *int   `json:"expiry_days"`
}

// CrossBrandOptions configures cross-brand redemption allocation.
type CrossBrandOptions struct {
	Strategy   string            `json:"strategy"`
	Partners   []PartnerOption   `json:"partners"`
	PartnerMap map[string]string `json:"partner_map"`
	ExpiryDays *int              `json:"expiry_days"`
}

// PartnerAccounts lists the configured partner accounts in input order.
func (o *CrossBrandOptions) PartnerAccounts() []string {
	if o == nil {
		return nil
	}
	accounts := make([]string, 0, len(o.Partners))
	for _, p := range o.Partners {
		if p.MerchantAccount != "" {
			accounts = append(accounts, p.MerchantAccount)
		}
	}
	return accounts
}

// PartnerExpiryDays returns the partner-specific lot expiry for a partner
// account, if configured.
func (o *CrossBrandOptions) PartnerExpiryDays(account string) *int {
	if o == nil {
		return nil
	}
	for _, p := range o.Partners {
		if p.MerchantAccount == account {
			return p.ExpiryDays
		}
	}
	return nil
}

// MerchantsForAccount inverts the partner map: all earn merchant ids that
// settle to the supplied partner account, in sorted order.
func (o *CrossBrandOptions) MerchantsForAccount(account string) []string {
	if o == nil {
		return nil
	}
	var merchants []string
	for merchantID, partner := range o.PartnerMap {
		if partner == account {
			merchants = append(merchants, merchantID)
		}
	}
	sort.Strings(merchants)
	return merchants
}

// CrossBrand parses the cross_brand_allocation section. Missing or invalid
// config yields nil and the default single-account behavior applies.
func CrossBrand(raw json.RawMessage) *CrossBrandOptions {
	section := Section(raw, "cross_brand_allocation")
	if section == nil {
		return nil
	}
	var opts CrossBrandOptions
	if err := json.Unmarshal(section, &opts); err != nil {
		return nil
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyPriority
	}
	return &opts
}

// EarnExpiryOptions resolves lot expiry for newly earned points. Precedence
// at lot creation: partner-specific expiry via the partner map, then the
// per-merchant override, then the default. Absent means never expire.
type EarnExpiryOptions struct {
	Overrides   map[string]int
	DefaultDays *int
}

// EarnExpiry parses earn_expiry_overrides and earn_expiry_days_default.
func EarnExpiry(raw json.RawMessage) EarnExpiryOptions {
	opts := EarnExpiryOptions{}
	if section := Section(raw, "earn_expiry_overrides"); section != nil {
		var overrides map[string]int
		if err := json.Unmarshal(section, &overrides); err == nil {
			opts.Overrides = overrides
		}
	}
	if section := Section(raw, "earn_expiry_days_default"); section != nil {
		var days int
		if err := json.Unmarshal(section, &days); err == nil {
			opts.DefaultDays = &days
		}
	}
	return opts
}

// DaysFor resolves the expiry precedence for one earn merchant.
func (o EarnExpiryOptions) DaysFor(merchantID string, cross *CrossBrandOptions) *int {
	if cross != nil {
		if partner, ok := cross.PartnerMap[merchantID]; ok {
			if days := cross.PartnerExpiryDays(partner); days != nil {
				return days
			}
		}
	}
	if days, ok := o.Overrides[merchantID]; ok {
		return &days
	}
	return o.DefaultDays
}
