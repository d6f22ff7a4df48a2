package lots

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
)

// ErrInsufficientLots is returned when eligible lots cannot cover the
// requested amount. The caller must abort its transaction so no partial
// consumption persists.
var ErrInsufficientLots = errors.New("lots: insufficient eligible lots")

// CreateParams describes one new earn lot.
type CreateParams struct {
	Tenant          string
	ProgramID       string
	Unit            string
	CustomerAccount string
	MerchantID      string
	EarnEntryID     uuid.UUID
	Qty             int64
	ExpiresAt       *time.Time
}

// Create inserts one lot with qty_total = qty_remaining = qty.
func Create(tx *gorm.DB, p CreateParams, now time.Time) (uuid.UUID, error) {
	if p.Qty <= 0 {
		return uuid.Nil, fmt.Errorf("lots: qty must be positive, got %d", p.Qty)
	}
	lot := models.PointLot{
		LotID:           uuid.New(),
		Tenant:          p.Tenant,
		ProgramID:       p.ProgramID,
		Unit:            p.Unit,
		CustomerAccount: p.CustomerAccount,
		MerchantID:      p.MerchantID,
		EarnEntryID:     p.EarnEntryID,
		QtyTotal:        p.Qty,
		QtyRemaining:    p.Qty,
		ExpiresAt:       p.ExpiresAt,
		CreatedAt:       now,
	}
	if err := tx.Create(&lot).Error; err != nil {
		return uuid.Nil, fmt.Errorf("insert lot: %w", err)
	}
	return lot.LotID, nil
}

// Filter scopes lot eligibility for consumption and balance queries.
type Filter struct {
	// MerchantIDs restricts lots to the listed earn merchants when non-empty.
	MerchantIDs []string
	// MaxAgeDays restricts lots to those created within the last N days.
	MaxAgeDays *int
}

// ConsumeParams identifies the inventory pool to draw down.
type ConsumeParams struct {
	Tenant          string
	CustomerAccount string
	ProgramID       string
	Unit            string
	Amount          int64
}

// LockFunc decorates the selection query with a row-locking clause. Workers
// pass storage.DB.LockClause; single-writer builds pass nil.
type LockFunc func(*gorm.DB) *gorm.DB

func eligibleQuery(tx *gorm.DB, tenant, customerAccount, programID, unit string, f Filter, now time.Time) *gorm.DB {
	q := tx.Model(&models.PointLot{}).
		Where("tenant = ? AND customer_account = ? AND program_id = ? AND unit = ?", tenant, customerAccount, programID, unit).
		Where("qty_remaining > 0").
		Where("expires_at IS NULL OR expires_at > ?", now)
	if len(f.MerchantIDs) > 0 {
		q = q.Where("merchant_id IN ?", f.MerchantIDs)
	}
	if f.MaxAgeDays != nil {
		cutoff := now.Add(-time.Duration(*f.MaxAgeDays) * 24 * time.Hour)
		q = q.Where("created_at >= ?", cutoff)
	}
	return q
}

// Consume decrements eligible lots in FIFO order until the amount is fully
// covered. Ordering is ascending (expires_at NULLS LAST, created_at) so the
// soonest-expiring, oldest lots drain first. Returns ErrInsufficientLots if
// coverage falls short; the caller must roll back.
func Consume(tx *gorm.DB, p ConsumeParams, f Filter, now time.Time, lock LockFunc) error {
	if p.Amount <= 0 {
		return fmt.Errorf("lots: consume amount must be positive, got %d", p.Amount)
	}
	q := eligibleQuery(tx, p.Tenant, p.CustomerAccount, p.ProgramID, p.Unit, f, now).
		Order("expires_at ASC NULLS LAST, created_at ASC, lot_id ASC")
	if lock != nil {
		q = lock(q)
	}
	var eligible []models.PointLot
	if err := q.Find(&eligible).Error; err != nil {
		return fmt.Errorf("select lots: %w", err)
	}
	left := p.Amount
	for _, lot := range eligible {
		if left == 0 {
			break
		}
		take := lot.QtyRemaining
		if take > left {
			take = left
		}
		res := tx.Model(&models.PointLot{}).
			Where("lot_id = ? AND qty_remaining >= ?", lot.LotID, take).
			Update("qty_remaining", gorm.Expr("qty_remaining - ?", take))
		if res.Error != nil {
			return fmt.Errorf("decrement lot %s: %w", lot.LotID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost a race on this lot despite locking; treat as shortfall
			// and let the retry re-read a fresh snapshot.
			return ErrInsufficientLots
		}
		left -= take
	}
	if left > 0 {
		return ErrInsufficientLots
	}
	return nil
}

// SumEligible returns the total qty_remaining under the scope and the
// non-expired predicate.
func SumEligible(tx *gorm.DB, tenant, customerAccount, programID, unit string, f Filter, now time.Time) (int64, error) {
	var total int64
	err := eligibleQuery(tx, tenant, customerAccount, programID, unit, f, now).
		Select("COALESCE(SUM(qty_remaining),0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum lots: %w", err)
	}
	return total, nil
}

// MerchantSum is one merchant's share of eligible inventory.
type MerchantSum struct {
	MerchantID string
	Qty        int64
}

// SumEligibleByMerchant groups eligible qty_remaining by earn merchant,
// ordered by merchant id for deterministic output.
func SumEligibleByMerchant(tx *gorm.DB, tenant, customerAccount, programID, unit string, f Filter, now time.Time) ([]MerchantSum, error) {
	rows := make([]MerchantSum, 0)
	err := eligibleQuery(tx, tenant, customerAccount, programID, unit, f, now).
		Select("merchant_id, COALESCE(SUM(qty_remaining),0) AS qty").
		Group("merchant_id").
		Order("merchant_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("group lots: %w", err)
	}
	return rows, nil
}
