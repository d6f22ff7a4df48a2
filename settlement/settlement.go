// Package settlement aggregates merchant-liability ledger activity into
// periodic reports consumed by the payout workers.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/storage"
)

// liabilitySuffix matches every tenant's merchant liability account.
const liabilitySuffix = "::merchant_liability"

// row is the raw aggregation result for one (tenant, account) pair.
type row struct {
	Tenant    string
	AccountID string
	Credits   int64
	Debits    int64
}

// Reporter periodically rolls the liability ledger into settlement reports.
// Report rows are upserted, so re-running a window is idempotent.
type Reporter struct {
	db       *storage.DB
	lookback time.Duration
	interval time.Duration
	now      func() time.Time
	metrics  *observability.SettlementMetrics
	log      *slog.Logger
}

// ReporterOption customises the reporter.
type ReporterOption func(*Reporter)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ReporterOption {
	return func(r *Reporter) { r.now = clock }
}

// WithInterval sets the sleep between runs.
func WithInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) ReporterOption {
	return func(r *Reporter) { r.log = log }
}

// NewReporter builds a settlement reporter with the given window length.
func NewReporter(db *storage.DB, lookback time.Duration, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		db:       db,
		lookback: lookback,
		interval: time.Hour,
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  observability.Settlement(),
		log:      slog.Default(),
	}
	if r.lookback <= 0 {
		r.lookback = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes settlement passes until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(); err != nil {
			r.log.Error("settlement run error", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce aggregates the most recent completed window and upserts one
// report per (tenant, liability account). The window is aligned to the
// lookback so repeated runs hit identical report keys. Returns the number
// of upserted reports.
func (r *Reporter) RunOnce() (int, error) {
	end := r.now().Truncate(r.lookback)
	start := end.Add(-r.lookback)
	n, err := r.Report(start, end)
	if err != nil {
		return 0, err
	}
	r.metrics.RecordRun(n)
	if n > 0 {
		r.log.Info("settlement reports upserted", "count", n, "period_start", start, "period_end", end)
	}
	return n, nil
}

// Report aggregates [start, end) and upserts the resulting reports.
func (r *Reporter) Report(start, end time.Time) (int, error) {
	var count int
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var rows []row
		err := tx.Model(&models.LedgerLine{}).
			Select("ledger_journals.tenant AS tenant, ledger_lines.account_id AS account_id, "+
				"COALESCE(SUM(ledger_lines.credit),0) AS credits, COALESCE(SUM(ledger_lines.debit),0) AS debits").
			Joins("JOIN ledger_journals ON ledger_journals.entry_id = ledger_lines.entry_id").
			Where("ledger_journals.created_at >= ? AND ledger_journals.created_at < ?", start, end).
			Where("ledger_lines.account_id LIKE ?", "%"+liabilitySuffix).
			Group("ledger_journals.tenant, ledger_lines.account_id").
			Order("ledger_journals.tenant ASC, ledger_lines.account_id ASC").
			Scan(&rows).Error
		if err != nil {
			return fmt.Errorf("aggregate liability lines: %w", err)
		}
		now := r.now()
		for _, agg := range rows {
			if !strings.HasSuffix(agg.AccountID, liabilitySuffix) {
				continue
			}
			net := agg.Credits - agg.Debits
			summary, err := json.Marshal(map[string]any{
				"credits": agg.Credits,
				"debits":  agg.Debits,
			})
			if err != nil {
				return fmt.Errorf("encode report summary: %w", err)
			}
			if err := upsertReport(tx, agg.Tenant, agg.AccountID, start, end, net, string(summary), now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func upsertReport(tx *gorm.DB, tenant, account string, start, end time.Time, net int64, summary string, now time.Time) error {
	var existing models.SettlementReport
	err := tx.Where("tenant = ? AND merchant_account = ? AND period_start = ? AND period_end = ?",
		tenant, account, start, end).
		First(&existing).Error
	switch {
	case err == nil:
		existing.NetPoints = net
		existing.Summary = summary
		existing.UpdatedAt = now
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("update settlement report: %w", err)
		}
		return nil
	case err == gorm.ErrRecordNotFound:
		report := models.SettlementReport{
			ID:              uuid.New(),
			Tenant:          tenant,
			MerchantAccount: account,
			PeriodStart:     start,
			PeriodEnd:       end,
			NetPoints:       net,
			Summary:         summary,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&report).Error; err != nil {
			return fmt.Errorf("insert settlement report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("lookup settlement report: %w", err)
	}
}
