package plugins

import (
	"fmt"
	"sort"
	"time"

	"loyaltyd/models"
)

// RollingSpendTier assigns customers to loyalty tiers based on their
// receipt spend over a rolling window.
type RollingSpendTier struct{}

// Name identifies the plugin in logs and summaries.
func (p *RollingSpendTier) Name() string { return "rolling_spend_tier" }

// ShouldHandle accepts every receipt; the tier table only moves when the
// program configures loyalty_tiers.
func (p *RollingSpendTier) ShouldHandle(ctx *ReceiptContext) bool { return ctx != nil }

// Apply recomputes the customer's rolling spend and upserts the highest
// qualifying tier. Emits an informational mutation with no ledger entries.
func (p *RollingSpendTier) Apply(ctx *ReceiptContext, h Helpers) (*Mutation, error) {
	cfg, err := h.ProgramConfig(ctx.Receipt.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("load program config: %w", err)
	}
	opts := LoyaltyTiers(cfg)
	if opts == nil {
		return nil, nil
	}

	tiers := make([]TierDefinition, len(opts.Tiers))
	copy(tiers, opts.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].ThresholdCents < tiers[j].ThresholdCents
	})

	windowEnd := h.Now()
	windowStart := windowEnd.Add(-time.Duration(opts.WindowDays) * 24 * time.Hour)
	spend, err := h.RollingSpendCents(ctx.Receipt.MerchantID, ctx.Receipt.AccountRef, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("load rolling spend: %w", err)
	}

	var selected *TierDefinition
	for i := range tiers {
		if tiers[i].ThresholdCents <= spend {
			selected = &tiers[i]
		}
	}
	if selected == nil {
		return nil, nil
	}

	tierName := selected.DisplayName
	if tierName == "" {
		tierName = selected.ID
	}
	err = h.UpsertCustomerTier(models.CustomerTier{
		Tenant:            ctx.Tenant,
		MerchantID:        ctx.Receipt.MerchantID,
		CustomerAccount:   ctx.CustomerAccount(),
		TierID:            selected.ID,
		TierName:          tierName,
		WindowDays:        opts.WindowDays,
		WindowStart:       windowStart,
		WindowEnd:         windowEnd,
		RollingSpendCents: spend,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert customer tier: %w", err)
	}

	return &Mutation{
		Summary: map[string]any{
			"loyalty_tier": map[string]any{
				"tier_id":             selected.ID,
				"tier_name":           tierName,
				"rolling_spend_cents": spend,
				"window_days":         opts.WindowDays,
			},
		},
	}, nil
}
