package plugins

import (
	"encoding/json"
	"math/big"
	"time"

	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/rules"
)

// LineItem is one itemized purchase row from a receipt payload.
type LineItem struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// ReceiptContext carries everything a receipt plugin may inspect.
type ReceiptContext struct {
	Tenant  string
	Receipt models.Receipt
	Items   []LineItem
}

// CustomerAccount returns the conventional customer account id for the
// receipt's account reference.
func (ctx *ReceiptContext) CustomerAccount() string {
	return ledger.CustomerAccountID(ctx.Tenant, ctx.Receipt.AccountRef)
}

// RedeemContext carries everything a redeem plugin may inspect.
type RedeemContext struct {
	Tenant  string
	Request models.RedeemRequest
}

// CustomerAccount returns the conventional customer account id for the
// request's account reference.
func (ctx *RedeemContext) CustomerAccount() string {
	return ledger.CustomerAccountID(ctx.Tenant, ctx.Request.AccountRef)
}

// Mutation is a plugin's declarative output: zero or more balanced ledger
// entries plus an optional summary merged into the job result.
type Mutation struct {
	Entries []ledger.Entry
	Summary map[string]any
}

// Failure is a redeem plugin's terminal rejection. Non-retryable failures
// finalize the job immediately.
type Failure struct {
	Reason    string
	Retryable bool
}

// Error implements the error interface.
func (f *Failure) Error() string { return f.Reason }

// RedeemResult is the tagged outcome of a redeem plugin: exactly one of
// Mutation and Failure is set.
type RedeemResult struct {
	Mutation *Mutation
	Failure  *Failure
}

// Helpers is the contract surfaced to receipt plugins. Plugins perform no
// I/O outside this interface and must be deterministic given an identical
// database snapshot; wall clock and id generation are injected so tests can
// freeze them.
type Helpers interface {
	Now() time.Time
	GenerateID() string
	ProgramConfig(programID string) (json.RawMessage, error)
	AccountBalance(accountID, programID, unit string) (*big.Int, error)
	RollingSpendCents(merchantID, accountRef string, windowStart, windowEnd time.Time) (int64, error)
	UpsertCustomerTier(tier models.CustomerTier) error
	CustomerTier(merchantID, customerAccount string) (*models.CustomerTier, error)
}

// RedeemHelpers extends the receipt helper contract with attribution and
// freeze-state queries.
type RedeemHelpers interface {
	Helpers
	OutstandingAttribution(customerAccount string, q rules.AttributionQuery) ([]rules.Attribution, error)
	FrozenMerchants(accounts []string) (map[string]bool, error)
}

// ReceiptPlugin evaluates one rule against a receipt.
type ReceiptPlugin interface {
	Name() string
	ShouldHandle(ctx *ReceiptContext) bool
	Apply(ctx *ReceiptContext, h Helpers) (*Mutation, error)
}

// RedeemPlugin evaluates one rule against a redemption request.
type RedeemPlugin interface {
	Name() string
	ShouldHandle(ctx *RedeemContext) bool
	Apply(ctx *RedeemContext, h RedeemHelpers) (*RedeemResult, error)
}

// DefaultReceiptChain is the statically composed receipt rule set. Order
// matters: earn runs before stamps, stamps before tier maintenance.
func DefaultReceiptChain() []ReceiptPlugin {
	return []ReceiptPlugin{
		&DefaultEarn{},
		&NthFreeStamps{},
		&RollingSpendTier{},
	}
}

// DefaultRedeemChain is the statically composed redeem rule set.
func DefaultRedeemChain() []RedeemPlugin {
	return []RedeemPlugin{
		&DefaultRedeem{},
	}
}
