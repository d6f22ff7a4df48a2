package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/lots"
	"loyaltyd/models"
)

// RuleSet indexes the enabled earn->burn rules for one burn merchant.
type RuleSet struct {
	rules     []models.MerchantRedemptionRule
	byAccount map[string]*models.MerchantRedemptionRule
	byEarnID  map[string]*models.MerchantRedemptionRule
}

// Empty reports whether no enabled rules exist for the burn merchant.
func (rs *RuleSet) Empty() bool {
	return rs == nil || len(rs.rules) == 0
}

// ByEarnAccount returns the rule whose earn merchant account matches.
func (rs *RuleSet) ByEarnAccount(account string) *models.MerchantRedemptionRule {
	if rs == nil {
		return nil
	}
	return rs.byAccount[account]
}

// ByEarnMerchant returns the rule whose earn merchant id matches.
func (rs *RuleSet) ByEarnMerchant(merchantID string) *models.MerchantRedemptionRule {
	if rs == nil {
		return nil
	}
	return rs.byEarnID[merchantID]
}

// All returns the rules ordered by earn merchant account.
func (rs *RuleSet) All() []models.MerchantRedemptionRule {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// LoadRules returns all enabled rules for the burn merchant, indexed by earn
// merchant account and by earn merchant id. An empty burn merchant id yields
// an empty set.
func LoadRules(tx *gorm.DB, tenant, burnMerchantID string) (*RuleSet, error) {
	rs := &RuleSet{
		byAccount: make(map[string]*models.MerchantRedemptionRule),
		byEarnID:  make(map[string]*models.MerchantRedemptionRule),
	}
	if burnMerchantID == "" {
		return rs, nil
	}
	var rows []models.MerchantRedemptionRule
	err := tx.Where("tenant = ? AND burn_merchant_id = ? AND enabled = ?", tenant, burnMerchantID, true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load redemption rules: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].EarnMerchantAccount < rows[j].EarnMerchantAccount
	})
	rs.rules = rows
	for i := range rs.rules {
		rule := &rs.rules[i]
		rs.byAccount[rule.EarnMerchantAccount] = rule
		rs.byEarnID[rule.EarnMerchantID] = rule
	}
	return rs, nil
}

// UpsertRule creates or updates one earn->burn rule.
func UpsertRule(tx *gorm.DB, rule models.MerchantRedemptionRule, now time.Time) error {
	var existing models.MerchantRedemptionRule
	err := tx.Where("tenant = ? AND earn_merchant_id = ? AND burn_merchant_id = ?",
		rule.Tenant, rule.EarnMerchantID, rule.BurnMerchantID).
		First(&existing).Error
	switch {
	case err == nil:
		existing.EarnMerchantAccount = rule.EarnMerchantAccount
		existing.ExpiryDaysOverride = rule.ExpiryDaysOverride
		existing.SettlementAdjustmentBps = rule.SettlementAdjustmentBps
		existing.Enabled = rule.Enabled
		existing.UpdatedAt = now
		return tx.Save(&existing).Error
	case err == gorm.ErrRecordNotFound:
		rule.ID = uuid.New()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		return tx.Create(&rule).Error
	default:
		return fmt.Errorf("lookup redemption rule: %w", err)
	}
}

// FrozenMerchants returns the subset of the supplied merchant accounts that
// are currently frozen.
func FrozenMerchants(tx *gorm.DB, tenant string, accounts []string) (map[string]bool, error) {
	frozen := make(map[string]bool)
	if len(accounts) == 0 {
		return frozen, nil
	}
	var rows []models.MerchantStatus
	err := tx.Where("tenant = ? AND merchant_account IN ? AND frozen = ?", tenant, accounts, true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query merchant status: %w", err)
	}
	for _, row := range rows {
		frozen[row.MerchantAccount] = true
	}
	return frozen, nil
}

// SetFreeze upserts the freeze flag for one merchant account.
func SetFreeze(tx *gorm.DB, tenant, merchantAccount string, frozen bool, reason string, now time.Time) error {
	var existing models.MerchantStatus
	err := tx.Where("tenant = ? AND merchant_account = ?", tenant, merchantAccount).First(&existing).Error
	switch {
	case err == nil:
		existing.Frozen = frozen
		existing.Reason = reason
		existing.UpdatedAt = now
		return tx.Save(&existing).Error
	case err == gorm.ErrRecordNotFound:
		return tx.Create(&models.MerchantStatus{
			ID:              uuid.New(),
			Tenant:          tenant,
			MerchantAccount: merchantAccount,
			Frozen:          frozen,
			Reason:          reason,
			UpdatedAt:       now,
		}).Error
	default:
		return fmt.Errorf("lookup merchant status: %w", err)
	}
}

// AttributionQuery scopes an outstanding-attribution computation.
type AttributionQuery struct {
	ProgramID string
	Unit      string
	// PartnerAccounts is the candidate list; frozen accounts are dropped.
	PartnerAccounts []string
	// PartnerMap maps earn merchant ids to partner accounts.
	PartnerMap map[string]string
	// ExpiryDays bounds lot age globally; rule overrides tighten it further.
	ExpiryDays *int
	// BurnMerchantID selects the earn->burn rule set when present.
	BurnMerchantID string
}

// Attribution is one partner account's share of a customer's outstanding
// eligible inventory.
type Attribution struct {
	AccountID               string
	Amount                  int64
	SettlementAdjustmentBps *int
}

// CombineExpiry returns the tighter of two optional day bounds; nil means
// unbounded.
func CombineExpiry(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	default:
		return b
	}
}

// OutstandingAttribution maps the customer's eligible lots onto partner
// accounts. With rules for the burn merchant, each candidate rule account is
// summed under the combined expiry bound. Without a burn merchant, lots are
// grouped by earn merchant and mapped through the partner map (or the sole
// candidate). A burn merchant with no enabled rule yields an empty result.
func OutstandingAttribution(tx *gorm.DB, tenant, customerAccount string, q AttributionQuery, now time.Time) ([]Attribution, error) {
	candidates := make([]string, 0, len(q.PartnerAccounts))
	frozen, err := FrozenMerchants(tx, tenant, q.PartnerAccounts)
	if err != nil {
		return nil, err
	}
	for _, account := range q.PartnerAccounts {
		if !frozen[account] {
			candidates = append(candidates, account)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	candidateSet := make(map[string]bool, len(candidates))
	for _, account := range candidates {
		candidateSet[account] = true
	}

	if q.BurnMerchantID != "" {
		rs, err := LoadRules(tx, tenant, q.BurnMerchantID)
		if err != nil {
			return nil, err
		}
		if rs.Empty() {
			return nil, nil
		}
		out := make([]Attribution, 0, len(rs.All()))
		for _, rule := range rs.All() {
			if !candidateSet[rule.EarnMerchantAccount] {
				continue
			}
			bound := CombineExpiry(q.ExpiryDays, rule.ExpiryDaysOverride)
			amount, err := lots.SumEligible(tx, tenant, customerAccount, q.ProgramID, q.Unit,
				lots.Filter{MerchantIDs: []string{rule.EarnMerchantID}, MaxAgeDays: bound}, now)
			if err != nil {
				return nil, err
			}
			if amount <= 0 {
				continue
			}
			out = append(out, Attribution{
				AccountID:               rule.EarnMerchantAccount,
				Amount:                  amount,
				SettlementAdjustmentBps: rule.SettlementAdjustmentBps,
			})
		}
		return out, nil
	}

	sums, err := lots.SumEligibleByMerchant(tx, tenant, customerAccount, q.ProgramID, q.Unit,
		lots.Filter{MaxAgeDays: q.ExpiryDays}, now)
	if err != nil {
		return nil, err
	}
	byAccount := make(map[string]int64)
	order := make([]string, 0, len(sums))
	for _, sum := range sums {
		account, ok := q.PartnerMap[sum.MerchantID]
		if !ok {
			if len(candidates) == 1 {
				account = candidates[0]
			} else {
				// Unmappable lots are dropped from attribution.
				continue
			}
		}
		if !candidateSet[account] {
			continue
		}
		if _, seen := byAccount[account]; !seen {
			order = append(order, account)
		}
		byAccount[account] += sum.Qty
	}
	out := make([]Attribution, 0, len(order))
	for _, account := range order {
		if byAccount[account] > 0 {
			out = append(out, Attribution{AccountID: account, Amount: byAccount[account]})
		}
	}
	return out, nil
}
