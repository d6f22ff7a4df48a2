package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/ledger"
	"loyaltyd/lots"
	"loyaltyd/models"
	"loyaltyd/plugins"
	"loyaltyd/storage"
)

var clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestProcessor(db *storage.DB, opts ...ProcessorOption) *Processor {
	base := []ProcessorOption{WithClock(func() time.Time { return clock })}
	return NewProcessor(db, append(base, opts...)...)
}

func seedProgramConfig(t *testing.T, db *storage.DB, tenant, programID, doc string) {
	t.Helper()
	err := db.Gorm().Create(&models.ProgramConfig{
		ID:        uuid.New(),
		Tenant:    tenant,
		ProgramID: programID,
		Config:    doc,
		UpdatedAt: clock,
	}).Error
	if err != nil {
		t.Fatalf("seed program config: %v", err)
	}
}

func seedReceipt(t *testing.T, db *storage.DB, tenant string, totalCents int64, payload string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	receipt := models.Receipt{
		ID:              uuid.New(),
		Tenant:          tenant,
		IdempotencyKey:  uuid.NewString(),
		Fingerprint:     uuid.NewString(),
		ProgramID:       "prog",
		MerchantID:      "m1",
		AccountRef:      "c1",
		GrandTotalCents: totalCents,
		IssuedAt:        clock,
		Payload:         payload,
		CreatedAt:       clock,
	}
	if err := db.Gorm().Create(&receipt).Error; err != nil {
		t.Fatalf("seed receipt: %v", err)
	}
	var jobID uuid.UUID
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		jobID, err = EnqueueReceipt(tx, tenant, receipt.ID, clock)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue receipt: %v", err)
	}
	return receipt.ID, jobID
}

func seedRedeem(t *testing.T, db *storage.DB, tenant string, qty int64, burnMerchantID string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	request := models.RedeemRequest{
		ID:             uuid.New(),
		Tenant:         tenant,
		AccountRef:     "c1",
		ProgramID:      "prog",
		Unit:           ledger.UnitPoints,
		Qty:            qty,
		BurnMerchantID: burnMerchantID,
		CreatedAt:      clock,
	}
	if err := db.Gorm().Create(&request).Error; err != nil {
		t.Fatalf("seed redeem request: %v", err)
	}
	var jobID uuid.UUID
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		jobID, err = EnqueueRedeem(tx, tenant, request.ID, clock)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue redeem: %v", err)
	}
	return request.ID, jobID
}

func seedLot(t *testing.T, db *storage.DB, merchant string, qty int64, createdAt time.Time) {
	t.Helper()
	_, err := lots.Create(db.Gorm(), lots.CreateParams{
		Tenant:          "t1",
		ProgramID:       "prog",
		Unit:            ledger.UnitPoints,
		CustomerAccount: ledger.CustomerAccountID("t1", "c1"),
		MerchantID:      merchant,
		EarnEntryID:     uuid.New(),
		Qty:             qty,
	}, createdAt)
	if err != nil {
		t.Fatalf("seed lot: %v", err)
	}
}

func loadJob(t *testing.T, db *storage.DB, kind Kind, jobID uuid.UUID) models.Job {
	t.Helper()
	var job models.Job
	if err := db.Gorm().Table(kind.Table).Where("id = ?", jobID).Take(&job).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return job
}

func jobSummary(t *testing.T, job models.Job) map[string]any {
	t.Helper()
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(job.ResultSummary), &out); err != nil {
		t.Fatalf("decode summary %q: %v", job.ResultSummary, err)
	}
	return out
}

func TestReceiptJobEarnsPointsAndCreatesLot(t *testing.T) {
	db := testStore(t)
	_, jobID := seedReceipt(t, db, "t1", 4250, "")
	proc := newTestProcessor(db)

	worked, err := proc.RunOnce(ReceiptKind)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !worked {
		t.Fatal("expected a job to be processed")
	}

	job := loadJob(t, db, ReceiptKind, jobID)
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.LastError)
	}
	if got := jobSummary(t, job)["points_earned"]; got != float64(43) {
		t.Fatalf("expected 43 points in summary, got %v", got)
	}

	balance, err := ledger.Balance(db.Gorm(), "t1", ledger.CustomerAccountID("t1", "c1"), "prog", ledger.UnitPoints)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 43 {
		t.Fatalf("expected balance 43, got %s", balance)
	}

	var lot models.PointLot
	if err := db.Gorm().Where("tenant = ?", "t1").Take(&lot).Error; err != nil {
		t.Fatalf("load lot: %v", err)
	}
	if lot.QtyRemaining != 43 || lot.MerchantID != "m1" {
		t.Fatalf("unexpected lot %+v", lot)
	}
	if lot.ExpiresAt != nil {
		t.Fatalf("expected non-expiring lot, got %v", lot.ExpiresAt)
	}

	var notification models.JobNotification
	if err := db.Gorm().Where("job_id = ?", jobID).Take(&notification).Error; err != nil {
		t.Fatalf("load notification: %v", err)
	}
	if notification.Status != string(models.JobCompleted) || notification.JobType != "receipt" {
		t.Fatalf("unexpected notification %+v", notification)
	}
}

func TestReceiptJobAppliesExpiryOverride(t *testing.T) {
	db := testStore(t)
	seedProgramConfig(t, db, "t1", "prog", `{"earn_expiry_overrides": {"m1": 30}}`)
	_, jobID := seedReceipt(t, db, "t1", 1000, "")
	proc := newTestProcessor(db)

	if _, err := proc.RunOnce(ReceiptKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if job := loadJob(t, db, ReceiptKind, jobID); job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.LastError)
	}

	var lot models.PointLot
	if err := db.Gorm().Where("tenant = ?", "t1").Take(&lot).Error; err != nil {
		t.Fatalf("load lot: %v", err)
	}
	want := clock.Add(30 * 24 * time.Hour)
	if lot.ExpiresAt == nil || !lot.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, lot.ExpiresAt)
	}
}

func TestReceiptJobWithItemsAccruesStamps(t *testing.T) {
	db := testStore(t)
	seedProgramConfig(t, db, "t1", "prog", `{
		"stamp_programs": [{"id": "card", "skus": ["latte"], "threshold": 5}]
	}`)
	payload := `{"items": [{"sku": "latte", "qty": 3, "unit_price_cents": 400}]}`
	_, jobID := seedReceipt(t, db, "t1", 1200, payload)
	proc := newTestProcessor(db)

	if _, err := proc.RunOnce(ReceiptKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := loadJob(t, db, ReceiptKind, jobID)
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.LastError)
	}
	summary := jobSummary(t, job)
	if _, ok := summary["stamps"]; !ok {
		t.Fatalf("expected stamps in merged summary, got %v", summary)
	}

	balance, err := ledger.Balance(db.Gorm(), "t1", ledger.CustomerAccountID("t1", "c1"), "prog", "stamps:card")
	if err != nil {
		t.Fatalf("stamp balance: %v", err)
	}
	if balance.Int64() != 3 {
		t.Fatalf("expected 3 stamps, got %s", balance)
	}
}

func TestRedeemJobConsumesLotsFIFO(t *testing.T) {
	db := testStore(t)
	seedLot(t, db, "m1", 40, clock.Add(-2*time.Hour))
	seedLot(t, db, "m1", 40, clock.Add(-time.Hour))
	_, jobID := seedRedeem(t, db, "t1", 50, "")
	proc := newTestProcessor(db)

	worked, err := proc.RunOnce(RedeemKind)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !worked {
		t.Fatal("expected a job to be processed")
	}
	job := loadJob(t, db, RedeemKind, jobID)
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.LastError)
	}
	if got := jobSummary(t, job)["points_redeemed"]; got != float64(50) {
		t.Fatalf("expected 50 redeemed, got %v", got)
	}

	var remaining []models.PointLot
	if err := db.Gorm().Order("created_at ASC").Find(&remaining).Error; err != nil {
		t.Fatalf("load lots: %v", err)
	}
	if remaining[0].QtyRemaining != 0 {
		t.Fatalf("older lot should drain first, has %d", remaining[0].QtyRemaining)
	}
	if remaining[1].QtyRemaining != 30 {
		t.Fatalf("newer lot should have 30 left, has %d", remaining[1].QtyRemaining)
	}

	balance, err := ledger.Balance(db.Gorm(), "t1", ledger.CustomerAccountID("t1", "c1"), "prog", ledger.UnitPoints)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != -50 {
		// Lots were seeded directly without earn entries, so only the
		// redeem entry is on the ledger.
		t.Fatalf("expected ledger delta -50, got %s", balance)
	}
}

func TestRedeemJobScopedConsumptionAcrossPartners(t *testing.T) {
	db := testStore(t)
	seedProgramConfig(t, db, "t1", "prog", `{
		"cross_brand_allocation": {
			"strategy": "source_proportional",
			"partners": [
				{"merchant_account": "acct:a"},
				{"merchant_account": "acct:b"}
			],
			"partner_map": {"m1": "acct:a", "m2": "acct:b"}
		}
	}`)
	seedLot(t, db, "m1", 40, clock.Add(-2*time.Hour))
	seedLot(t, db, "m2", 25, clock.Add(-time.Hour))
	_, jobID := seedRedeem(t, db, "t1", 26, "")
	proc := newTestProcessor(db)

	if _, err := proc.RunOnce(RedeemKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := loadJob(t, db, RedeemKind, jobID)
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.LastError)
	}

	// 26 split by attributed amounts 40:25 is 16 and 10.
	var m1Lot, m2Lot models.PointLot
	if err := db.Gorm().Where("merchant_id = ?", "m1").Take(&m1Lot).Error; err != nil {
		t.Fatalf("load m1 lot: %v", err)
	}
	if err := db.Gorm().Where("merchant_id = ?", "m2").Take(&m2Lot).Error; err != nil {
		t.Fatalf("load m2 lot: %v", err)
	}
	if m1Lot.QtyRemaining != 24 {
		t.Fatalf("expected m1 lot at 24, got %d", m1Lot.QtyRemaining)
	}
	if m2Lot.QtyRemaining != 15 {
		t.Fatalf("expected m2 lot at 15, got %d", m2Lot.QtyRemaining)
	}
}

func TestRedeemJobInsufficientBalanceFailsTerminally(t *testing.T) {
	db := testStore(t)
	seedLot(t, db, "m1", 10, clock.Add(-time.Hour))
	_, jobID := seedRedeem(t, db, "t1", 30, "")
	proc := newTestProcessor(db)

	if _, err := proc.RunOnce(RedeemKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := loadJob(t, db, RedeemKind, jobID)
	if job.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.LastError, "Insufficient balance") {
		t.Fatalf("expected insufficient balance error, got %q", job.LastError)
	}

	var notification models.JobNotification
	if err := db.Gorm().Where("job_id = ?", jobID).Take(&notification).Error; err != nil {
		t.Fatalf("load notification: %v", err)
	}
	if notification.Status != string(models.JobFailed) || notification.Error == "" {
		t.Fatalf("unexpected failure notification %+v", notification)
	}
}

func TestSequentialRedeemsCannotOverdrawBalance(t *testing.T) {
	db := testStore(t)
	seedLot(t, db, "m1", 100, clock.Add(-time.Hour))
	_, firstID := seedRedeem(t, db, "t1", 60, "")
	_, secondID := seedRedeem(t, db, "t1", 60, "")
	proc := newTestProcessor(db)

	for i := 0; i < 2; i++ {
		if _, err := proc.RunOnce(RedeemKind); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	first := loadJob(t, db, RedeemKind, firstID)
	second := loadJob(t, db, RedeemKind, secondID)
	counts := map[models.JobStatus]int{}
	counts[first.Status]++
	counts[second.Status]++
	if counts[models.JobCompleted] != 1 || counts[models.JobFailed] != 1 {
		t.Fatalf("expected exactly one completion, got %s and %s (%q / %q)",
			first.Status, second.Status, first.LastError, second.LastError)
	}
	failed := first
	if first.Status == models.JobCompleted {
		failed = second
	}
	if !strings.Contains(failed.LastError, "Insufficient balance") {
		t.Fatalf("expected insufficient balance on the loser, got %q", failed.LastError)
	}

	var lot models.PointLot
	if err := db.Gorm().Take(&lot).Error; err != nil {
		t.Fatalf("load lot: %v", err)
	}
	if lot.QtyRemaining != 40 {
		t.Fatalf("only the winning redeem may consume, lot has %d", lot.QtyRemaining)
	}
}

func TestMissingReceiptPayloadIsTerminal(t *testing.T) {
	db := testStore(t)
	var jobID uuid.UUID
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		jobID, err = EnqueueReceipt(tx, "t1", uuid.New(), clock)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	proc := newTestProcessor(db)

	if _, err := proc.RunOnce(ReceiptKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := loadJob(t, db, ReceiptKind, jobID)
	if job.Status != models.JobFailed {
		t.Fatalf("expected terminal failure, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", job.Attempts)
	}
	if !strings.Contains(job.LastError, "Receipt payload missing") {
		t.Fatalf("unexpected error %q", job.LastError)
	}
}

type erroringRedeemPlugin struct{}

func (p *erroringRedeemPlugin) Name() string                            { return "erroring" }
func (p *erroringRedeemPlugin) ShouldHandle(*plugins.RedeemContext) bool { return true }
func (p *erroringRedeemPlugin) Apply(*plugins.RedeemContext, plugins.RedeemHelpers) (*plugins.RedeemResult, error) {
	return nil, fmt.Errorf("transient store hiccup")
}

func TestRetryableErrorReschedulesWithBackoff(t *testing.T) {
	db := testStore(t)
	_, jobID := seedRedeem(t, db, "t1", 10, "")
	proc := newTestProcessor(db, WithRedeemChain([]plugins.RedeemPlugin{&erroringRedeemPlugin{}}))

	if _, err := proc.RunOnce(RedeemKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := loadJob(t, db, RedeemKind, jobID)
	if job.Status != models.JobPending {
		t.Fatalf("expected rescheduled pending, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", job.Attempts)
	}
	want := clock.Add(5 * time.Second)
	if !job.AvailableAt.Equal(want) {
		t.Fatalf("expected backoff to %v, got %v", want, job.AvailableAt)
	}
	if !strings.Contains(job.LastError, "transient store hiccup") {
		t.Fatalf("expected error preserved, got %q", job.LastError)
	}
}

func TestRetryBudgetExhaustionFails(t *testing.T) {
	db := testStore(t)
	_, jobID := seedRedeem(t, db, "t1", 10, "")
	proc := newTestProcessor(db,
		WithMaxAttempts(1),
		WithRedeemChain([]plugins.RedeemPlugin{&erroringRedeemPlugin{}}))

	if _, err := proc.RunOnce(RedeemKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := loadJob(t, db, RedeemKind, jobID)
	if job.Status != models.JobFailed {
		t.Fatalf("expected failed after budget exhaustion, got %s", job.Status)
	}
}

func TestNoRedeemPluginAcceptedIsRetryable(t *testing.T) {
	db := testStore(t)
	_, jobID := seedRedeem(t, db, "t1", 10, "")
	proc := newTestProcessor(db, WithRedeemChain(nil))

	if _, err := proc.RunOnce(RedeemKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	job := loadJob(t, db, RedeemKind, jobID)
	if job.Status != models.JobPending {
		t.Fatalf("expected pending retry, got %s", job.Status)
	}
	if !strings.Contains(job.LastError, "No redeem plugin accepted the request") {
		t.Fatalf("unexpected error %q", job.LastError)
	}
}

func TestRunOnceSkipsFutureJobs(t *testing.T) {
	db := testStore(t)
	_, jobID := seedRedeem(t, db, "t1", 10, "")
	err := db.Gorm().Table(RedeemKind.Table).Where("id = ?", jobID).
		Update("available_at", clock.Add(time.Hour)).Error
	if err != nil {
		t.Fatalf("defer job: %v", err)
	}
	proc := newTestProcessor(db)

	worked, err := proc.RunOnce(RedeemKind)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if worked {
		t.Fatal("job with future available_at must not be picked")
	}
}

func TestReclaimReturnsStuckJobs(t *testing.T) {
	db := testStore(t)
	_, jobID := seedRedeem(t, db, "t1", 10, "")
	err := db.Gorm().Table(RedeemKind.Table).Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     models.JobProcessing,
			"updated_at": clock.Add(-time.Hour),
		}).Error
	if err != nil {
		t.Fatalf("mark stuck: %v", err)
	}
	proc := newTestProcessor(db)

	n, err := proc.Reclaim(RedeemKind, 10*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one reclaimed job, got %d", n)
	}
	job := loadJob(t, db, RedeemKind, jobID)
	if job.Status != models.JobPending {
		t.Fatalf("expected pending after reclaim, got %s", job.Status)
	}
}

func TestCompletedJobIsTerminal(t *testing.T) {
	db := testStore(t)
	_, jobID := seedReceipt(t, db, "t1", 1000, "")
	proc := newTestProcessor(db)

	if _, err := proc.RunOnce(ReceiptKind); err != nil {
		t.Fatalf("run once: %v", err)
	}
	worked, err := proc.RunOnce(ReceiptKind)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if worked {
		t.Fatal("completed job must not be picked again")
	}
	if job := loadJob(t, db, ReceiptKind, jobID); job.Status != models.JobCompleted {
		t.Fatalf("status changed after completion: %s", job.Status)
	}
}
