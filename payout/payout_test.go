package payout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"loyaltyd/models"
	"loyaltyd/rules"
	"loyaltyd/storage"
)

var clock = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedReport(t *testing.T, db *storage.DB, account string, netPoints int64) models.SettlementReport {
	t.Helper()
	report := models.SettlementReport{
		ID:              uuid.New(),
		Tenant:          "t1",
		MerchantAccount: account,
		PeriodStart:     clock.Add(-24 * time.Hour),
		PeriodEnd:       clock,
		NetPoints:       netPoints,
		CreatedAt:       clock,
		UpdatedAt:       clock,
	}
	if err := db.Gorm().Create(&report).Error; err != nil {
		t.Fatalf("seed report: %v", err)
	}
	return report
}

func newTestEngine(db *storage.DB, psp PSP, econ Economics) *Engine {
	return NewEngine(db, psp, econ, WithClock(func() time.Time { return clock }))
}

func instructions(t *testing.T, db *storage.DB) []models.PayoutInstruction {
	t.Helper()
	var out []models.PayoutInstruction
	if err := db.Gorm().Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		t.Fatalf("load instructions: %v", err)
	}
	return out
}

func TestScheduleCreatesInstructions(t *testing.T) {
	db := testStore(t)
	seedReport(t, db, "acct:a", 120)  // platform owes the merchant
	seedReport(t, db, "acct:b", -80)  // merchant owes the platform
	seedReport(t, db, "acct:c", 0)    // nothing to move
	engine := newTestEngine(db, NewSandbox(), Economics{PointValueCents: 2, Currency: "USD"})

	if err := engine.Schedule(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	all := instructions(t, db)
	if len(all) != 2 {
		t.Fatalf("expected two instructions, got %d", len(all))
	}
	byAccount := map[string]models.PayoutInstruction{}
	for _, instr := range all {
		byAccount[instr.MerchantAccount] = instr
	}
	payoutInstr := byAccount["acct:a"]
	if payoutInstr.Direction != models.DirectionPayout || payoutInstr.Points != 120 || payoutInstr.AmountCents != 240 {
		t.Fatalf("unexpected payout instruction %+v", payoutInstr)
	}
	collection := byAccount["acct:b"]
	if collection.Direction != models.DirectionCollection || collection.Points != 80 {
		t.Fatalf("unexpected collection instruction %+v", collection)
	}
	if payoutInstr.State != models.InstructionScheduled {
		t.Fatalf("expected scheduled, got %s", payoutInstr.State)
	}
}

func TestScheduleIsIdempotentPerReport(t *testing.T) {
	db := testStore(t)
	seedReport(t, db, "acct:a", 120)
	engine := newTestEngine(db, NewSandbox(), Economics{})

	for i := 0; i < 2; i++ {
		if err := engine.Schedule(context.Background()); err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
	}
	if all := instructions(t, db); len(all) != 1 {
		t.Fatalf("expected one instruction per report, got %d", len(all))
	}
}

func TestScheduleSkipsBelowMinimum(t *testing.T) {
	db := testStore(t)
	seedReport(t, db, "acct:a", 3)
	engine := newTestEngine(db, NewSandbox(), Economics{MinInstructionPoints: 10})

	if err := engine.Schedule(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if all := instructions(t, db); len(all) != 0 {
		t.Fatalf("expected no instruction below minimum, got %d", len(all))
	}
}

func TestSubmitAndReconcileSettles(t *testing.T) {
	db := testStore(t)
	seedReport(t, db, "acct:a", 50)
	sandbox := NewSandbox()
	engine := newTestEngine(db, sandbox, Economics{})
	ctx := context.Background()

	if err := engine.Schedule(ctx); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := engine.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	submitted := instructions(t, db)[0]
	if submitted.State != models.InstructionSubmitted || submitted.PSPRef == "" {
		t.Fatalf("expected submitted with ref, got %+v", submitted)
	}
	if submitted.SubmittedAt == nil {
		t.Fatal("expected submitted_at set")
	}

	if err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	settled := instructions(t, db)[0]
	if settled.State != models.InstructionSettled || settled.SettledAt == nil {
		t.Fatalf("expected settled, got %+v", settled)
	}
}

func TestReconcileRecordsFailure(t *testing.T) {
	db := testStore(t)
	seedReport(t, db, "acct:a", -50)
	sandbox := NewSandbox()
	sandbox.FailAccount("acct:a", "account closed")
	engine := newTestEngine(db, sandbox, Economics{})
	ctx := context.Background()

	if err := engine.Schedule(ctx); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := engine.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	failed := instructions(t, db)[0]
	if failed.State != models.InstructionFailed {
		t.Fatalf("expected failed, got %+v", failed)
	}
	if failed.LastError != "account closed" {
		t.Fatalf("expected provider reason, got %q", failed.LastError)
	}
}

func TestFreezeOverdueFailedCollection(t *testing.T) {
	db := testStore(t)
	seedReport(t, db, "acct:a", -50)
	sandbox := NewSandbox()
	sandbox.FailAccount("acct:a", "insufficient funds")
	engine := NewEngine(db, sandbox, Economics{},
		WithClock(func() time.Time { return clock }),
		WithFreezeAfter(time.Hour))
	ctx := context.Background()

	if err := engine.Schedule(ctx); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := engine.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// Age the failure past the grace period.
	err := db.Gorm().Model(&models.PayoutInstruction{}).
		Where("merchant_account = ?", "acct:a").
		Update("updated_at", clock.Add(-2*time.Hour)).Error
	if err != nil {
		t.Fatalf("age instruction: %v", err)
	}
	if err := engine.Freeze(ctx); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	frozen, err := rules.FrozenMerchants(db.Gorm(), "t1", []string{"acct:a"})
	if err != nil {
		t.Fatalf("query freeze: %v", err)
	}
	if !frozen["acct:a"] {
		t.Fatal("expected merchant frozen")
	}
}

func TestFreezeLiftsAfterRecovery(t *testing.T) {
	db := testStore(t)
	if err := rules.SetFreeze(db.Gorm(), "t1", "acct:a", true, freezeReason, clock); err != nil {
		t.Fatalf("seed freeze: %v", err)
	}
	engine := newTestEngine(db, NewSandbox(), Economics{})

	// No overdue failed collections remain, so the engine lifts its freeze.
	if err := engine.Freeze(context.Background()); err != nil {
		t.Fatalf("freeze pass: %v", err)
	}
	frozen, err := rules.FrozenMerchants(db.Gorm(), "t1", []string{"acct:a"})
	if err != nil {
		t.Fatalf("query freeze: %v", err)
	}
	if frozen["acct:a"] {
		t.Fatal("expected freeze lifted")
	}
}

func TestFreezeKeepsManualFreezes(t *testing.T) {
	db := testStore(t)
	if err := rules.SetFreeze(db.Gorm(), "t1", "acct:m", true, "compliance hold", clock); err != nil {
		t.Fatalf("seed freeze: %v", err)
	}
	engine := newTestEngine(db, NewSandbox(), Economics{})

	if err := engine.Freeze(context.Background()); err != nil {
		t.Fatalf("freeze pass: %v", err)
	}
	frozen, err := rules.FrozenMerchants(db.Gorm(), "t1", []string{"acct:m"})
	if err != nil {
		t.Fatalf("query freeze: %v", err)
	}
	if !frozen["acct:m"] {
		t.Fatal("manual freeze must survive the automatic pass")
	}
}

func TestSandboxSubmitIsIdempotent(t *testing.T) {
	sandbox := NewSandbox()
	sub := Submission{InstructionID: uuid.New(), MerchantAccount: "acct:a", AmountCents: 100}
	ref1, err := sandbox.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ref2, err := sandbox.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("expected stable reference, got %q and %q", ref1, ref2)
	}
}
