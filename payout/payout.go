// Package payout turns settlement reports into payment instructions and
// drives them through a payment service provider.
package payout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/rules"
	"loyaltyd/storage"
)

const freezeReason = "overdue failed collection"

// Economics converts settlement points into money.
type Economics struct {
	// PointValueCents is the monetary value of one point in minor units.
	PointValueCents int64
	Currency        string
	// MinInstructionPoints suppresses instructions below the threshold;
	// small balances roll into a later period.
	MinInstructionPoints int64
}

// Engine owns the four payout passes: schedule, submit, reconcile, freeze.
// Each pass is run by its own worker binary but they share one engine so
// tests can drive the whole pipeline in-process.
type Engine struct {
	db       *storage.DB
	psp      PSP
	econ     Economics
	interval time.Duration
	// freezeAfter is how long a collection may stay failed before the
	// merchant account is frozen.
	freezeAfter time.Duration
	now         func() time.Time
	metrics     *observability.PayoutMetrics
	log         *slog.Logger
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.now = clock }
}

// WithInterval sets the sleep between passes.
func WithInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithFreezeAfter sets the failed-collection grace period.
func WithFreezeAfter(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.freezeAfter = d
		}
	}
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine builds a payout engine over the store and provider.
func NewEngine(db *storage.DB, psp PSP, econ Economics, opts ...EngineOption) *Engine {
	e := &Engine{
		db:          db,
		psp:         psp,
		econ:        econ,
		interval:    time.Minute,
		freezeAfter: 72 * time.Hour,
		now:         func() time.Time { return time.Now().UTC() },
		metrics:     observability.Payout(),
		log:         slog.Default(),
	}
	if e.econ.PointValueCents <= 0 {
		e.econ.PointValueCents = 1
	}
	if e.econ.Currency == "" {
		e.econ.Currency = "USD"
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pass is one of the engine's periodic duties.
type Pass func(context.Context) error

// Loop runs the pass until the context is cancelled.
func (e *Engine) Loop(ctx context.Context, pass Pass) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if err := pass(ctx); err != nil {
			e.log.Error("payout pass error", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Schedule creates one instruction per unprocessed settlement report.
// Positive net points mean liability accrued toward the merchant (payout);
// negative means the merchant owes the platform (collection). Reports below
// the minimum threshold are skipped and picked up when a later period
// re-reports the balance.
func (e *Engine) Schedule(_ context.Context) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		var reports []models.SettlementReport
		err := tx.
			Joins("LEFT JOIN payout_instructions ON payout_instructions.report_id = settlement_reports.id").
			Where("payout_instructions.id IS NULL").
			Order("settlement_reports.period_end ASC, settlement_reports.id ASC").
			Find(&reports).Error
		if err != nil {
			return fmt.Errorf("select unscheduled reports: %w", err)
		}
		now := e.now()
		for _, report := range reports {
			if report.NetPoints == 0 {
				continue
			}
			points := report.NetPoints
			direction := models.DirectionPayout
			if points < 0 {
				points = -points
				direction = models.DirectionCollection
			}
			if points < e.econ.MinInstructionPoints {
				continue
			}
			instr := models.PayoutInstruction{
				ID:              uuid.New(),
				Tenant:          report.Tenant,
				ReportID:        report.ID,
				MerchantAccount: report.MerchantAccount,
				Direction:       direction,
				Points:          points,
				AmountCents:     points * e.econ.PointValueCents,
				Currency:        e.econ.Currency,
				State:           models.InstructionScheduled,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.Create(&instr).Error; err != nil {
				return fmt.Errorf("insert instruction: %w", err)
			}
			e.metrics.RecordTransition(string(direction), string(models.InstructionScheduled))
			e.log.Info("instruction scheduled",
				"instruction_id", instr.ID.String(),
				"merchant_account", instr.MerchantAccount,
				"direction", string(direction),
				"amount_cents", instr.AmountCents)
		}
		return nil
	})
}

// Submit pushes scheduled instructions to the provider. A provider error
// leaves the instruction scheduled with the error recorded for the next
// pass; the provider's idempotent Submit makes re-pushing safe.
func (e *Engine) Submit(ctx context.Context) error {
	var scheduled []models.PayoutInstruction
	err := e.db.Gorm().
		Where("state = ?", models.InstructionScheduled).
		Order("created_at ASC").
		Find(&scheduled).Error
	if err != nil {
		return fmt.Errorf("select scheduled instructions: %w", err)
	}
	for _, instr := range scheduled {
		ref, err := e.psp.Submit(ctx, Submission{
			InstructionID:   instr.ID,
			Tenant:          instr.Tenant,
			MerchantAccount: instr.MerchantAccount,
			Direction:       string(instr.Direction),
			AmountCents:     instr.AmountCents,
			Currency:        instr.Currency,
		})
		now := e.now()
		if err != nil {
			e.metrics.RecordError("submit")
			updateErr := e.db.Gorm().Model(&models.PayoutInstruction{}).
				Where("id = ?", instr.ID).
				Updates(map[string]any{"last_error": err.Error(), "updated_at": now}).Error
			if updateErr != nil {
				return fmt.Errorf("record submit error: %w", updateErr)
			}
			e.log.Warn("instruction submit failed", "instruction_id", instr.ID.String(), "error", err.Error())
			continue
		}
		updates := map[string]any{
			"state":        models.InstructionSubmitted,
			"psp_ref":      ref,
			"last_error":   "",
			"submitted_at": now,
			"updated_at":   now,
		}
		res := e.db.Gorm().Model(&models.PayoutInstruction{}).
			Where("id = ? AND state = ?", instr.ID, models.InstructionScheduled).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("mark submitted: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			e.metrics.RecordTransition(string(instr.Direction), string(models.InstructionSubmitted))
		}
	}
	return nil
}

// Reconcile polls the provider for submitted instructions and finalizes
// them as settled or failed.
func (e *Engine) Reconcile(ctx context.Context) error {
	var submitted []models.PayoutInstruction
	err := e.db.Gorm().
		Where("state = ?", models.InstructionSubmitted).
		Order("submitted_at ASC").
		Find(&submitted).Error
	if err != nil {
		return fmt.Errorf("select submitted instructions: %w", err)
	}
	for _, instr := range submitted {
		result, err := e.psp.Status(ctx, instr.PSPRef)
		if err != nil {
			e.metrics.RecordError("reconcile")
			e.log.Warn("status poll failed", "instruction_id", instr.ID.String(), "error", err.Error())
			continue
		}
		now := e.now()
		switch result.Status {
		case StatusSettled:
			updates := map[string]any{
				"state":      models.InstructionSettled,
				"settled_at": now,
				"updated_at": now,
			}
			if err := e.transition(instr, models.InstructionSubmitted, updates); err != nil {
				return err
			}
			e.metrics.RecordTransition(string(instr.Direction), string(models.InstructionSettled))
		case StatusFailed:
			updates := map[string]any{
				"state":      models.InstructionFailed,
				"last_error": result.Reason,
				"updated_at": now,
			}
			if err := e.transition(instr, models.InstructionSubmitted, updates); err != nil {
				return err
			}
			e.metrics.RecordTransition(string(instr.Direction), string(models.InstructionFailed))
			e.log.Warn("instruction failed at provider",
				"instruction_id", instr.ID.String(),
				"merchant_account", instr.MerchantAccount,
				"reason", result.Reason)
		case StatusPending:
		}
	}
	return nil
}

func (e *Engine) transition(instr models.PayoutInstruction, from models.InstructionState, updates map[string]any) error {
	res := e.db.Gorm().Model(&models.PayoutInstruction{}).
		Where("id = ? AND state = ?", instr.ID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transition instruction %s: %w", instr.ID, res.Error)
	}
	return nil
}

// Freeze suspends merchant accounts whose collections have been failed for
// longer than the grace period, and lifts freezes it previously applied
// once no overdue failure remains. Manually frozen accounts keep their
// reason and are never auto-unfrozen.
func (e *Engine) Freeze(_ context.Context) error {
	cutoff := e.now().Add(-e.freezeAfter)
	return e.db.Transaction(func(tx *gorm.DB) error {
		var overdue []models.PayoutInstruction
		err := tx.
			Where("direction = ? AND state = ? AND updated_at < ?",
				models.DirectionCollection, models.InstructionFailed, cutoff).
			Find(&overdue).Error
		if err != nil {
			return fmt.Errorf("select overdue collections: %w", err)
		}
		type key struct{ tenant, account string }
		overdueSet := make(map[key]bool, len(overdue))
		now := e.now()
		for _, instr := range overdue {
			k := key{instr.Tenant, instr.MerchantAccount}
			if overdueSet[k] {
				continue
			}
			overdueSet[k] = true
			if err := rules.SetFreeze(tx, instr.Tenant, instr.MerchantAccount, true, freezeReason, now); err != nil {
				return err
			}
			e.log.Warn("merchant frozen",
				"tenant", instr.Tenant, "merchant_account", instr.MerchantAccount)
		}

		var frozen []models.MerchantStatus
		err = tx.Where("frozen = ? AND reason = ?", true, freezeReason).Find(&frozen).Error
		if err != nil {
			return fmt.Errorf("select frozen merchants: %w", err)
		}
		for _, status := range frozen {
			if overdueSet[key{status.Tenant, status.MerchantAccount}] {
				continue
			}
			if err := rules.SetFreeze(tx, status.Tenant, status.MerchantAccount, false, "", now); err != nil {
				return err
			}
			e.log.Info("merchant unfrozen",
				"tenant", status.Tenant, "merchant_account", status.MerchantAccount)
		}
		return nil
	})
}
