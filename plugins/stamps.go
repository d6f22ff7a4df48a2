package plugins

import (
	"fmt"

	"loyaltyd/ledger"
)

// NthFreeStamps maintains punch-card style stamp balances and issues a
// coupon every time a customer's stamp balance crosses a multiple of the
// program threshold.
type NthFreeStamps struct{}

// Name identifies the plugin in logs and summaries.
func (p *NthFreeStamps) Name() string { return "nth_free_stamps" }

// ShouldHandle accepts receipts with itemized lines; stamps accrue per SKU.
func (p *NthFreeStamps) ShouldHandle(ctx *ReceiptContext) bool {
	return ctx != nil && len(ctx.Items) > 0
}

// Apply walks every configured stamp program, accrues stamps for matching
// SKUs, and issues coupons based on the pre-addition balance. Returns nil
// when no program accrued anything.
func (p *NthFreeStamps) Apply(ctx *ReceiptContext, h Helpers) (*Mutation, error) {
	cfg, err := h.ProgramConfig(ctx.Receipt.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("load program config: %w", err)
	}
	programs := StampPrograms(cfg)
	if len(programs) == 0 {
		return nil, nil
	}

	merchantAccount := ledger.MerchantLiabilityAccountID(ctx.Tenant)
	customerAccount := ctx.CustomerAccount()

	var entries []ledger.Entry
	programSummaries := make([]map[string]any, 0, len(programs))
	for _, program := range programs {
		stampsPerItem := program.StampsPerItem
		threshold := program.Threshold
		if tier, err := h.CustomerTier(ctx.Receipt.MerchantID, customerAccount); err != nil {
			return nil, fmt.Errorf("load customer tier: %w", err)
		} else if tier != nil {
			if override, ok := program.TierOverrides[tier.TierID]; ok {
				if override.StampsPerItem != nil && *override.StampsPerItem > 0 {
					stampsPerItem = *override.StampsPerItem
				}
				if override.Threshold != nil && *override.Threshold > 0 {
					threshold = *override.Threshold
				}
			}
		}

		var stampsAdded int64
		for _, item := range ctx.Items {
			if item.Qty > 0 && program.MatchesSKU(item.SKU) {
				stampsAdded += item.Qty * stampsPerItem
			}
		}
		if stampsAdded <= 0 {
			continue
		}

		stampUnit := program.StampUnit()
		entries = append(entries, ledger.Entry{
			ProgramID: ctx.Receipt.ProgramID,
			ReceiptID: &ctx.Receipt.ID,
			Memo:      "stamps:" + program.ID,
			Lines: []ledger.Line{
				{AccountID: merchantAccount, Debit: stampsAdded, Unit: stampUnit},
				{AccountID: customerAccount, Credit: stampsAdded, Unit: stampUnit},
			},
		})

		var coupons int64
		if threshold > 0 {
			// Coupon count derives from the pre-addition balance so that a
			// single receipt crossing multiple thresholds issues every
			// coupon it earned.
			before, err := h.AccountBalance(customerAccount, ctx.Receipt.ProgramID, stampUnit)
			if err != nil {
				return nil, fmt.Errorf("load stamp balance: %w", err)
			}
			prior := before.Int64()
			coupons = (prior+stampsAdded)/threshold - prior/threshold
		}
		if coupons > 0 {
			couponUnit := program.CouponUnitName()
			entries = append(entries, ledger.Entry{
				ProgramID: ctx.Receipt.ProgramID,
				ReceiptID: &ctx.Receipt.ID,
				Memo:      "coupon:" + program.ID,
				Lines: []ledger.Line{
					{AccountID: merchantAccount, Debit: coupons, Unit: couponUnit},
					{AccountID: customerAccount, Credit: coupons, Unit: couponUnit},
				},
			})
		}

		programSummaries = append(programSummaries, map[string]any{
			"id":             program.ID,
			"stamps_added":   stampsAdded,
			"coupons_issued": coupons,
		})
	}

	if len(entries) == 0 {
		return nil, nil
	}
	return &Mutation{
		Entries: entries,
		Summary: map[string]any{"stamps": programSummaries},
	}, nil
}
