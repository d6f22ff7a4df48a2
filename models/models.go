package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents a state in the processing job lifecycle.
type JobStatus string

// All job states. Completed and failed are terminal.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status can never transition again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Receipt is the immutable record of an ingested purchase.
type Receipt struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant          string    `gorm:"size:64;index;uniqueIndex:idx_receipts_idem,priority:1;uniqueIndex:idx_receipts_fp,priority:1"`
	IdempotencyKey  string    `gorm:"size:128;uniqueIndex:idx_receipts_idem,priority:2"`
	Fingerprint     string    `gorm:"size:64;uniqueIndex:idx_receipts_fp,priority:2"`
	ProgramID       string    `gorm:"size:64;index"`
	MerchantID      string    `gorm:"size:64;index"`
	StoreID         string    `gorm:"size:64"`
	AccountRef      string    `gorm:"size:128;index"`
	GrandTotalCents int64     `gorm:"not null"`
	ProcessorTxnID  string    `gorm:"size:128"`
	IssuedAt        time.Time
	Payload         string `gorm:"type:text"`
	CreatedAt       time.Time
}

// RedeemRequest is the immutable record of a redemption submission.
type RedeemRequest struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant         string    `gorm:"size:64;index;uniqueIndex:idx_redeems_idem,priority:1"`
	IdempotencyKey *string   `gorm:"size:128;uniqueIndex:idx_redeems_idem,priority:2"`
	AccountRef     string    `gorm:"size:128;index"`
	ProgramID      string    `gorm:"size:64"`
	Unit           string    `gorm:"size:64"`
	Qty            int64     `gorm:"not null"`
	Memo           string    `gorm:"size:256"`
	BurnMerchantID string    `gorm:"size:64"`
	PartnerHint    string    `gorm:"size:128"`
	CreatedAt      time.Time
}

// Job carries the shared processing-job columns. Exactly one active job
// exists per reference; completed and failed rows never transition out.
type Job struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant        string    `gorm:"size:64;index"`
	ReferenceID   uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Status        JobStatus `gorm:"size:16;index:,composite:status_due,priority:1"`
	Attempts      int       `gorm:"not null;default:0"`
	LastError     string    `gorm:"type:text"`
	ResultSummary string    `gorm:"type:text"`
	AvailableAt   time.Time `gorm:"index:,composite:status_due,priority:2"`
	CompletedAt   *time.Time
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time
}

// ReceiptJob tracks processing of one receipt.
type ReceiptJob struct {
	Job
}

// TableName pins the receipt job table.
func (ReceiptJob) TableName() string { return "receipt_jobs" }

// RedeemJob tracks processing of one redemption request.
type RedeemJob struct {
	Job
}

// TableName pins the redeem job table.
func (RedeemJob) TableName() string { return "redeem_jobs" }

// LedgerJournal is the append-only journal entry header.
type LedgerJournal struct {
	EntryID   uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Tenant    string     `gorm:"size:64;index"`
	ProgramID string     `gorm:"size:64;index"`
	ReceiptID *uuid.UUID `gorm:"type:uuid;index"`
	Memo      string     `gorm:"size:256"`
	CreatedAt time.Time  `gorm:"index"`
}

// LedgerLine is one leg of a journal entry. Exactly one of Debit and
// Credit is non-zero; within each unit of an entry debits equal credits.
type LedgerLine struct {
	EntryID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	LineNo    int       `gorm:"primaryKey"`
	AccountID string    `gorm:"size:192;index"`
	Debit     int64     `gorm:"not null;default:0"`
	Credit    int64     `gorm:"not null;default:0"`
	Unit      string    `gorm:"size:64;index"`
}

// PointLot is the per-earn inventory record. QtyRemaining only decreases
// and lots are never deleted.
type PointLot struct {
	LotID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Tenant          string     `gorm:"size:64;index:idx_lots_scope,priority:1"`
	ProgramID       string     `gorm:"size:64;index:idx_lots_scope,priority:3"`
	Unit            string     `gorm:"size:64;index:idx_lots_scope,priority:4"`
	CustomerAccount string     `gorm:"size:192;index:idx_lots_scope,priority:2"`
	MerchantID      string     `gorm:"size:64;index"`
	EarnEntryID     uuid.UUID  `gorm:"type:uuid;index"`
	QtyTotal        int64      `gorm:"not null"`
	QtyRemaining    int64      `gorm:"not null"`
	ExpiresAt       *time.Time `gorm:"index"`
	CreatedAt       time.Time  `gorm:"index"`
}

// MerchantRedemptionRule governs whether a burn at one merchant may consume
// lots earned at another, and with what settlement economics.
type MerchantRedemptionRule struct {
	ID                      uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant                  string    `gorm:"size:64;uniqueIndex:idx_rules_pair,priority:1"`
	EarnMerchantID          string    `gorm:"size:64;uniqueIndex:idx_rules_pair,priority:2"`
	BurnMerchantID          string    `gorm:"size:64;uniqueIndex:idx_rules_pair,priority:3;index"`
	EarnMerchantAccount     string    `gorm:"size:192"`
	ExpiryDaysOverride      *int
	SettlementAdjustmentBps *int
	Enabled                 bool `gorm:"index"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CustomerTier stores the rolling-spend tier assignment for a customer at
// one merchant. Upserts are last-writer-wins on UpdatedAt.
type CustomerTier struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant            string    `gorm:"size:64;uniqueIndex:idx_tiers_key,priority:1"`
	MerchantID        string    `gorm:"size:64;uniqueIndex:idx_tiers_key,priority:2"`
	CustomerAccount   string    `gorm:"size:192;uniqueIndex:idx_tiers_key,priority:3"`
	TierID            string    `gorm:"size:64"`
	TierName          string    `gorm:"size:128"`
	WindowDays        int
	WindowStart       time.Time
	WindowEnd         time.Time
	RollingSpendCents int64
	UpdatedAt         time.Time
}

// MerchantStatus records operational freeze state per merchant account.
type MerchantStatus struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant          string    `gorm:"size:64;uniqueIndex:idx_merchant_status,priority:1"`
	MerchantAccount string    `gorm:"size:192;uniqueIndex:idx_merchant_status,priority:2"`
	Frozen          bool      `gorm:"index"`
	Reason          string    `gorm:"size:256"`
	UpdatedAt       time.Time
}

// ProgramConfig stores the opaque per-program JSON document.
type ProgramConfig struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant    string    `gorm:"size:64;uniqueIndex:idx_program_cfg,priority:1"`
	ProgramID string    `gorm:"size:64;uniqueIndex:idx_program_cfg,priority:2"`
	Config    string    `gorm:"type:text"`
	UpdatedAt time.Time
}

// JobNotification is the durable webhook outbox row. DeliveredAt moves
// NULL -> timestamp exactly once.
type JobNotification struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant           string    `gorm:"size:64;index"`
	JobType          string    `gorm:"size:16"`
	JobID            uuid.UUID `gorm:"type:uuid;index"`
	ReferenceID      uuid.UUID `gorm:"type:uuid"`
	Status           string    `gorm:"size:16"`
	Summary          string    `gorm:"type:text"`
	Error            string    `gorm:"type:text"`
	AvailableAt      time.Time `gorm:"index"`
	DeliveredAt      *time.Time
	DeliveryAttempts int       `gorm:"not null;default:0"`
	LastError        string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"index"`
}

// SettlementReport aggregates net merchant-liability points per period.
type SettlementReport struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tenant          string    `gorm:"size:64;uniqueIndex:idx_settlement_period,priority:1"`
	MerchantAccount string    `gorm:"size:192;uniqueIndex:idx_settlement_period,priority:2"`
	PeriodStart     time.Time `gorm:"uniqueIndex:idx_settlement_period,priority:3"`
	PeriodEnd       time.Time `gorm:"uniqueIndex:idx_settlement_period,priority:4"`
	NetPoints       int64     `gorm:"not null"`
	Summary         string    `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InstructionDirection distinguishes money moving to or from a merchant.
type InstructionDirection string

// Directions for payout instructions.
const (
	DirectionPayout     InstructionDirection = "payout"
	DirectionCollection InstructionDirection = "collection"
)

// InstructionState is a state in the payout/collection workflow.
type InstructionState string

// All instruction states.
const (
	InstructionScheduled InstructionState = "scheduled"
	InstructionSubmitted InstructionState = "submitted"
	InstructionSettled   InstructionState = "settled"
	InstructionFailed    InstructionState = "failed"
)

// PayoutInstruction drives one merchant payout or collection at the PSP.
type PayoutInstruction struct {
	ID              uuid.UUID            `gorm:"type:uuid;primaryKey"`
	Tenant          string               `gorm:"size:64;index"`
	ReportID        uuid.UUID            `gorm:"type:uuid;uniqueIndex"`
	MerchantAccount string               `gorm:"size:192;index"`
	Direction       InstructionDirection `gorm:"size:16"`
	Points          int64                `gorm:"not null"`
	AmountCents     int64                `gorm:"not null"`
	Currency        string               `gorm:"size:8"`
	State           InstructionState     `gorm:"size:16;index"`
	PSPRef          string               `gorm:"size:128;index"`
	LastError       string               `gorm:"type:text"`
	SubmittedAt     *time.Time
	SettledAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Receipt{},
		&RedeemRequest{},
		&ReceiptJob{},
		&RedeemJob{},
		&LedgerJournal{},
		&LedgerLine{},
		&PointLot{},
		&MerchantRedemptionRule{},
		&CustomerTier{},
		&MerchantStatus{},
		&ProgramConfig{},
		&JobNotification{},
		&SettlementReport{},
		&PayoutInstruction{},
	)
}
