package plugins

import (
	"fmt"
	"math/big"

	"loyaltyd/ledger"
)

// DefaultEarn credits base points for every receipt: one point per currency
// unit spent, scaled by the program's points_multiplier and rounded half
// away from zero.
type DefaultEarn struct{}

// Name identifies the plugin in logs and summaries.
func (p *DefaultEarn) Name() string { return "default_earn" }

// ShouldHandle accepts every receipt.
func (p *DefaultEarn) ShouldHandle(ctx *ReceiptContext) bool { return ctx != nil }

// Apply computes points = round(grand_total x multiplier) and emits a
// balanced earn entry debiting the merchant liability account.
func (p *DefaultEarn) Apply(ctx *ReceiptContext, h Helpers) (*Mutation, error) {
	cfg, err := h.ProgramConfig(ctx.Receipt.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("load program config: %w", err)
	}
	multiplier := PointsMultiplier(cfg)

	// grand_total is stored in cents; points accrue per whole currency unit.
	amount := new(big.Rat).SetInt64(ctx.Receipt.GrandTotalCents)
	amount.Quo(amount, big.NewRat(100, 1))
	factor := new(big.Rat)
	if _, ok := factor.SetString(fmt.Sprintf("%v", multiplier)); !ok {
		factor.SetFloat64(multiplier)
	}
	points := roundHalfAway(new(big.Rat).Mul(amount, factor))

	if points.Sign() <= 0 {
		return &Mutation{Summary: map[string]any{"points_earned": int64(0)}}, nil
	}
	qty := points.Int64()
	entry := ledger.Entry{
		ProgramID: ctx.Receipt.ProgramID,
		ReceiptID: &ctx.Receipt.ID,
		Memo:      "earn:" + ctx.Receipt.MerchantID,
		Lines: []ledger.Line{
			{AccountID: ledger.MerchantLiabilityAccountID(ctx.Tenant), Debit: qty, Unit: ledger.UnitPoints},
			{AccountID: ctx.CustomerAccount(), Credit: qty, Unit: ledger.UnitPoints},
		},
	}
	return &Mutation{
		Entries: []ledger.Entry{entry},
		Summary: map[string]any{"points_earned": qty},
	}, nil
}

// roundHalfAway rounds a rational to the nearest integer, halves away from
// zero.
func roundHalfAway(r *big.Rat) *big.Int {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() == 0 {
		return quo
	}
	doubled := new(big.Int).Lsh(new(big.Int).Abs(rem), 1)
	if doubled.Cmp(den) >= 0 {
		if num.Sign() >= 0 {
			quo.Add(quo, big.NewInt(1))
		} else {
			quo.Sub(quo, big.NewInt(1))
		}
	}
	return quo
}
