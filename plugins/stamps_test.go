package plugins

import (
	"encoding/json"
	"testing"

	"loyaltyd/ledger"
)

const stampConfig = `{
	"stamp_programs": [
		{"id": "card", "skus": ["latte"], "threshold": 5}
	]
}`

func TestStampsCrossThresholdIssuesCoupon(t *testing.T) {
	h := newFakeHelpers()
	h.configs["prog"] = json.RawMessage(stampConfig)
	ctx := receiptCtx("t1", 1200)
	ctx.Items = []LineItem{{SKU: "latte", Qty: 3, UnitPriceCents: 400}}
	h.balances[balanceKey(ctx.CustomerAccount(), "prog", "stamps:card")] = 4

	mutation, err := (&NthFreeStamps{}).Apply(ctx, h)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(mutation.Entries) != 2 {
		t.Fatalf("expected stamp and coupon entries, got %d", len(mutation.Entries))
	}
	for _, entry := range mutation.Entries {
		if err := ledger.ValidateEntry(entry); err != nil {
			t.Fatalf("entry unbalanced: %v", err)
		}
	}
	summaries := mutation.Summary["stamps"].([]map[string]any)
	if len(summaries) != 1 {
		t.Fatalf("expected one program summary, got %d", len(summaries))
	}
	if got := summaries[0]["stamps_added"]; got != int64(3) {
		t.Fatalf("expected 3 stamps added, got %v", got)
	}
	// Balance moves 4 -> 7, crossing the threshold of 5 exactly once.
	if got := summaries[0]["coupons_issued"]; got != int64(1) {
		t.Fatalf("expected 1 coupon, got %v", got)
	}
}

func TestStampsBelowThresholdNoCoupon(t *testing.T) {
	h := newFakeHelpers()
	h.configs["prog"] = json.RawMessage(stampConfig)
	ctx := receiptCtx("t1", 400)
	ctx.Items = []LineItem{{SKU: "latte", Qty: 1, UnitPriceCents: 400}}

	mutation, err := (&NthFreeStamps{}).Apply(ctx, h)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(mutation.Entries) != 1 {
		t.Fatalf("expected only the stamp entry, got %d", len(mutation.Entries))
	}
	summaries := mutation.Summary["stamps"].([]map[string]any)
	if got := summaries[0]["coupons_issued"]; got != int64(0) {
		t.Fatalf("expected no coupons, got %v", got)
	}
}

func TestStampsNonMatchingSKUSkips(t *testing.T) {
	h := newFakeHelpers()
	h.configs["prog"] = json.RawMessage(stampConfig)
	ctx := receiptCtx("t1", 400)
	ctx.Items = []LineItem{{SKU: "muffin", Qty: 2, UnitPriceCents: 200}}

	mutation, err := (&NthFreeStamps{}).Apply(ctx, h)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if mutation != nil {
		t.Fatalf("expected nil mutation, got %+v", mutation)
	}
}

func TestStampsTierOverride(t *testing.T) {
	h := newFakeHelpers()
	h.configs["prog"] = json.RawMessage(`{
		"stamp_programs": [
			{"id": "card", "skus": ["latte"], "threshold": 5,
			 "tier_overrides": {"gold": {"stamps_per_item": 2}}}
		]
	}`)
	ctx := receiptCtx("t1", 800)
	ctx.Items = []LineItem{{SKU: "latte", Qty: 2, UnitPriceCents: 400}}
	if err := h.UpsertCustomerTier(tierFor(ctx, "gold")); err != nil {
		t.Fatalf("seed tier: %v", err)
	}

	mutation, err := (&NthFreeStamps{}).Apply(ctx, h)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	summaries := mutation.Summary["stamps"].([]map[string]any)
	if got := summaries[0]["stamps_added"]; got != int64(4) {
		t.Fatalf("expected override to double stamps, got %v", got)
	}
}
