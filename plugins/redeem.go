package plugins

import (
	"fmt"

	"loyaltyd/ledger"
	"loyaltyd/rules"
)

// DefaultRedeem debits a customer's balance and splits the credit leg
// across partner merchant accounts according to the program's cross-brand
// allocation policy.
type DefaultRedeem struct{}

// Name identifies the plugin in logs and summaries.
func (p *DefaultRedeem) Name() string { return "default_redeem" }

// ShouldHandle accepts every redemption request.
func (p *DefaultRedeem) ShouldHandle(ctx *RedeemContext) bool { return ctx != nil }

type allocation struct {
	Account string
	Amount  int64
	Bps     *int
}

// Apply validates the request, computes outstanding attribution over the
// unfrozen partner set, and emits one redeem entry plus an allocation
// summary the processor uses to consume lots.
func (p *DefaultRedeem) Apply(ctx *RedeemContext, h RedeemHelpers) (*RedeemResult, error) {
	req := ctx.Request
	if req.Qty <= 0 {
		return &RedeemResult{Failure: &Failure{Reason: "Redemption quantity must be positive"}}, nil
	}

	cfg, err := h.ProgramConfig(req.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("load program config: %w", err)
	}
	cross := CrossBrand(cfg)

	partnerAccounts := cross.PartnerAccounts()
	frozen, err := h.FrozenMerchants(partnerAccounts)
	if err != nil {
		return nil, fmt.Errorf("load frozen merchants: %w", err)
	}
	candidates := make([]string, 0, len(partnerAccounts))
	for _, account := range partnerAccounts {
		if !frozen[account] {
			candidates = append(candidates, account)
		}
	}
	if len(candidates) == 0 {
		candidates = []string{ledger.MerchantLiabilityAccountID(ctx.Tenant)}
	}

	query := rules.AttributionQuery{
		ProgramID:       req.ProgramID,
		Unit:            req.Unit,
		PartnerAccounts: candidates,
		BurnMerchantID:  req.BurnMerchantID,
	}
	if cross != nil {
		query.PartnerMap = cross.PartnerMap
		query.ExpiryDays = cross.ExpiryDays
	}
	attribution, err := h.OutstandingAttribution(ctx.CustomerAccount(), query)
	if err != nil {
		return nil, fmt.Errorf("compute attribution: %w", err)
	}

	var total int64
	for _, a := range attribution {
		total += a.Amount
	}
	if total < req.Qty {
		return &RedeemResult{Failure: &Failure{Reason: "Insufficient balance"}}, nil
	}

	strategy := StrategyPriority
	if cross != nil && cross.Strategy != "" {
		strategy = cross.Strategy
	}
	if req.PartnerHint != "" {
		strategy = StrategyPriority
	}

	var allocations []allocation
	switch strategy {
	case StrategySourceProportional:
		allocations = proportionalByAttribution(req.Qty, attribution)
	case StrategyProportional:
		if len(attribution) > 0 {
			allocations = proportionalByAttribution(req.Qty, attribution)
		} else if cross != nil {
			weights := make([]int64, 0, len(cross.Partners))
			accounts := make([]string, 0, len(cross.Partners))
			for _, partner := range cross.Partners {
				if partner.MerchantAccount == "" || frozen[partner.MerchantAccount] {
					continue
				}
				accounts = append(accounts, partner.MerchantAccount)
				weights = append(weights, partner.Weight)
			}
			for i, share := range Distribute(req.Qty, weights) {
				if share > 0 {
					allocations = append(allocations, allocation{Account: accounts[i], Amount: share})
				}
			}
		}
	default:
		allocations = priorityAllocation(req.Qty, attribution, req.PartnerHint)
	}
	if len(allocations) == 0 {
		return &RedeemResult{Failure: &Failure{Reason: "Insufficient balance"}}, nil
	}

	memo := "redeem"
	if req.BurnMerchantID != "" {
		memo = "redeem:" + req.BurnMerchantID
	}
	lines := make([]ledger.Line, 0, len(allocations)+1)
	lines = append(lines, ledger.Line{AccountID: ctx.CustomerAccount(), Debit: req.Qty, Unit: req.Unit})
	for _, alloc := range allocations {
		lines = append(lines, ledger.Line{AccountID: alloc.Account, Credit: alloc.Amount, Unit: req.Unit})
	}

	allocSummary := make([]map[string]any, 0, len(allocations))
	for _, alloc := range allocations {
		var bps any
		if alloc.Bps != nil {
			bps = *alloc.Bps
		}
		allocSummary = append(allocSummary, map[string]any{
			"merchant_account":          alloc.Account,
			"amount":                    alloc.Amount,
			"settlement_adjustment_bps": bps,
		})
	}
	var burnMerchant any
	if req.BurnMerchantID != "" {
		burnMerchant = req.BurnMerchantID
	}

	return &RedeemResult{Mutation: &Mutation{
		Entries: []ledger.Entry{{
			ProgramID: req.ProgramID,
			Memo:      memo,
			Lines:     lines,
		}},
		Summary: map[string]any{
			"points_redeemed":  req.Qty,
			"allocation":       allocSummary,
			"burn_merchant_id": burnMerchant,
		},
	}}, nil
}

// proportionalByAttribution splits qty across attributed accounts by their
// attributed amounts using the largest-remainder method.
func proportionalByAttribution(qty int64, attribution []rules.Attribution) []allocation {
	weights := make([]int64, len(attribution))
	for i, a := range attribution {
		weights[i] = a.Amount
	}
	var out []allocation
	for i, share := range Distribute(qty, weights) {
		if share > 0 {
			out = append(out, allocation{Account: attribution[i].AccountID, Amount: share, Bps: attribution[i].SettlementAdjustmentBps})
		}
	}
	return out
}

// priorityAllocation fills partners in attribution order, hinted partner
// first, drawing each down before moving on. Residual beyond the attributed
// total lands on the last allocation; the balance check makes that
// unreachable in practice.
func priorityAllocation(qty int64, attribution []rules.Attribution, hint string) []allocation {
	ordered := make([]rules.Attribution, 0, len(attribution))
	if hint != "" {
		for _, a := range attribution {
			if a.AccountID == hint {
				ordered = append(ordered, a)
				break
			}
		}
	}
	for _, a := range attribution {
		if hint != "" && a.AccountID == hint {
			continue
		}
		ordered = append(ordered, a)
	}

	var out []allocation
	remaining := qty
	for _, a := range ordered {
		if remaining == 0 {
			break
		}
		take := a.Amount
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		out = append(out, allocation{Account: a.AccountID, Amount: take, Bps: a.SettlementAdjustmentBps})
		remaining -= take
	}
	if remaining > 0 && len(out) > 0 {
		out[len(out)-1].Amount += remaining
	}
	return out
}
