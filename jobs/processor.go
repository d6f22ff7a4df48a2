package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/ledger"
	"loyaltyd/lots"
	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/plugins"
	"loyaltyd/rules"
	"loyaltyd/storage"
)

const (
	backoffStep = 5 * time.Second
	backoffCap  = 60 * time.Second

	errorTruncateLen = 1024
)

var (
	// errMissingPayload marks jobs whose reference row no longer exists.
	// Terminal: retries cannot bring the payload back.
	errMissingPayload = errors.New("Receipt payload missing")

	// errNoRedeemPlugin is raised when every redeem plugin declines;
	// retryable because the chain composition may race a deploy.
	errNoRedeemPlugin = errors.New("No redeem plugin accepted the request")
)

// Kind names one of the two structurally identical job tables.
type Kind struct {
	Table   string
	JobType string
}

// The two job tables.
var (
	ReceiptKind = Kind{Table: "receipt_jobs", JobType: "receipt"}
	RedeemKind  = Kind{Table: "redeem_jobs", JobType: "redeem"}
)

// Processor drives both job state machines against the relational store.
type Processor struct {
	db           *storage.DB
	receiptChain []plugins.ReceiptPlugin
	redeemChain  []plugins.RedeemPlugin
	maxAttempts  int
	now          func() time.Time
	metrics      *observability.JobMetrics
	log          *slog.Logger
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// WithMaxAttempts overrides the retry budget (default 5).
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithReceiptChain replaces the statically composed receipt rule set.
func WithReceiptChain(chain []plugins.ReceiptPlugin) ProcessorOption {
	return func(p *Processor) { p.receiptChain = chain }
}

// WithRedeemChain replaces the statically composed redeem rule set.
func WithRedeemChain(chain []plugins.RedeemPlugin) ProcessorOption {
	return func(p *Processor) { p.redeemChain = chain }
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log }
}

// NewProcessor constructs a job processor bound to the store.
func NewProcessor(db *storage.DB, opts ...ProcessorOption) *Processor {
	p := &Processor{
		db:           db,
		receiptChain: plugins.DefaultReceiptChain(),
		redeemChain:  plugins.DefaultRedeemChain(),
		maxAttempts:  5,
		now:          func() time.Time { return time.Now().UTC() },
		metrics:      observability.Jobs(),
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunOnce claims and processes at most one due job from the kind's table.
// The whole work unit runs inside one transaction; on failure the
// transaction aborts and a fresh transaction reschedules or finalizes the
// job. Returns false when no job was due.
func (p *Processor) RunOnce(kind Kind) (bool, error) {
	start := p.now()
	var picked models.Job
	workErr := p.db.Transaction(func(tx *gorm.DB) error {
		job, err := p.claimNext(tx, kind)
		if err != nil {
			return err
		}
		if job == nil {
			return errNoJobDue
		}
		picked = *job

		summary, err := p.process(tx, kind, job)
		if err != nil {
			return err
		}

		completedAt := p.now()
		updates := map[string]any{
			"status":         models.JobCompleted,
			"result_summary": summary,
			"completed_at":   completedAt,
			"last_error":     "",
			"updated_at":     completedAt,
		}
		if err := tx.Table(kind.Table).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return p.insertNotification(tx, kind, job, string(models.JobCompleted), summary, "")
	})

	switch {
	case workErr == nil:
		p.metrics.RecordOutcome(kind.Table, "completed")
		p.metrics.ObserveWorkUnit(kind.Table, p.now().Sub(start))
		return true, nil
	case errors.Is(workErr, errNoJobDue):
		return false, nil
	default:
		if picked.ID == uuid.Nil {
			// The claim itself failed before locking a row.
			return false, workErr
		}
		if err := p.recover(kind, picked, workErr); err != nil {
			return true, err
		}
		p.metrics.ObserveWorkUnit(kind.Table, p.now().Sub(start))
		return true, nil
	}
}

var errNoJobDue = errors.New("jobs: no job due")

// claimNext picks the oldest due pending job with a SKIP LOCKED row lock,
// transitions it to processing, and increments attempts — all inside the
// caller's transaction.
func (p *Processor) claimNext(tx *gorm.DB, kind Kind) (*models.Job, error) {
	now := p.now()
	var job models.Job
	q := tx.Table(kind.Table).
		Where("status = ? AND available_at <= ?", models.JobPending, now).
		Order("created_at ASC").
		Limit(1)
	q = p.db.LockClause(q)
	err := q.Take(&job).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("select job: %w", err)
	}
	job.Status = models.JobProcessing
	job.Attempts++
	updates := map[string]any{
		"status":     models.JobProcessing,
		"attempts":   job.Attempts,
		"updated_at": now,
	}
	if err := tx.Table(kind.Table).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// recover categorizes the work-unit error in a fresh transaction: retryable
// errors reschedule with linear backoff, terminal errors finalize as failed
// and enqueue a failed notification. The in-transaction attempt increment
// rolled back with the work unit, so the recovery write re-applies it.
func (p *Processor) recover(kind Kind, picked models.Job, workErr error) error {
	retryable := categorize(workErr)
	attempts := picked.Attempts // claimNext already incremented the copy
	message := truncateError(workErr.Error())
	now := p.now()

	return p.db.Transaction(func(tx *gorm.DB) error {
		var current models.Job
		if err := tx.Table(kind.Table).Where("id = ?", picked.ID).Take(&current).Error; err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		if current.Status.Terminal() {
			return nil
		}
		if retryable && attempts < p.maxAttempts {
			delay := time.Duration(attempts) * backoffStep
			if delay > backoffCap {
				delay = backoffCap
			}
			updates := map[string]any{
				"status":       models.JobPending,
				"attempts":     attempts,
				"last_error":   message,
				"available_at": now.Add(delay),
				"updated_at":   now,
			}
			if err := tx.Table(kind.Table).Where("id = ?", picked.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("reschedule job: %w", err)
			}
			p.metrics.RecordRetry(kind.Table)
			p.log.Warn("job rescheduled", "table", kind.Table, "job_id", picked.ID.String(), "attempts", attempts, "error", message)
			return nil
		}
		updates := map[string]any{
			"status":       models.JobFailed,
			"attempts":     attempts,
			"last_error":   message,
			"completed_at": now,
			"updated_at":   now,
		}
		if err := tx.Table(kind.Table).Where("id = ?", picked.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("finalize job: %w", err)
		}
		p.metrics.RecordOutcome(kind.Table, "failed")
		p.log.Warn("job failed", "table", kind.Table, "job_id", picked.ID.String(), "attempts", attempts, "error", message)
		return p.insertNotification(tx, kind, &picked, string(models.JobFailed), "", message)
	})
}

// categorize reports whether the error may succeed on retry.
func categorize(err error) bool {
	var failure *plugins.Failure
	if errors.As(err, &failure) {
		return failure.Retryable
	}
	switch {
	case errors.Is(err, ledger.ErrUnbalancedEntry), errors.Is(err, ledger.ErrEmptyEntry):
		return false
	case errors.Is(err, errMissingPayload):
		return false
	case errors.Is(err, lots.ErrInsufficientLots):
		// Lot coverage can change as other jobs land; retry until the
		// attempt budget runs out.
		return true
	default:
		return true
	}
}

func truncateError(msg string) string {
	if len(msg) > errorTruncateLen {
		return msg[:errorTruncateLen]
	}
	return msg
}

// process dispatches one claimed job to the matching plugin chain and
// applies the resulting mutations. Returns the JSON result summary.
func (p *Processor) process(tx *gorm.DB, kind Kind, job *models.Job) (string, error) {
	helpers := &txHelpers{tx: tx, tenant: job.Tenant, now: p.now, lock: p.db.LockClause}
	switch kind.JobType {
	case ReceiptKind.JobType:
		return p.processReceipt(tx, job, helpers)
	case RedeemKind.JobType:
		return p.processRedeem(tx, job, helpers)
	default:
		return "", fmt.Errorf("unknown job type %q", kind.JobType)
	}
}

func (p *Processor) processReceipt(tx *gorm.DB, job *models.Job, helpers *txHelpers) (string, error) {
	var receipt models.Receipt
	err := tx.Where("tenant = ? AND id = ?", job.Tenant, job.ReferenceID).First(&receipt).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return "", errMissingPayload
	case err != nil:
		return "", fmt.Errorf("load receipt: %w", err)
	}

	ctx := &plugins.ReceiptContext{
		Tenant:  job.Tenant,
		Receipt: receipt,
		Items:   parseItems(receipt.Payload),
	}
	mutations, err := plugins.RunReceiptChain(p.receiptChain, ctx, helpers)
	if err != nil {
		return "", err
	}

	merged := make(map[string]any)
	for _, mutation := range mutations {
		if err := p.applyMutation(tx, job.Tenant, helpers, mutation); err != nil {
			return "", err
		}
		for key, value := range mutation.Summary {
			merged[key] = value
		}
	}
	return marshalSummary(merged)
}

func (p *Processor) processRedeem(tx *gorm.DB, job *models.Job, helpers *txHelpers) (string, error) {
	var request models.RedeemRequest
	err := tx.Where("tenant = ? AND id = ?", job.Tenant, job.ReferenceID).First(&request).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return "", errMissingPayload
	case err != nil:
		return "", fmt.Errorf("load redeem request: %w", err)
	}

	ctx := &plugins.RedeemContext{Tenant: job.Tenant, Request: request}
	result, err := plugins.RunRedeemChain(p.redeemChain, ctx, helpers)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", errNoRedeemPlugin
	}
	if result.Failure != nil {
		return "", result.Failure
	}
	if err := p.applyMutation(tx, job.Tenant, helpers, result.Mutation); err != nil {
		return "", err
	}
	return marshalSummary(result.Mutation.Summary)
}

// applyMutation appends the mutation's entries and performs the lot-level
// bookkeeping they imply: entries whose memo carries the "earn:" prefix
// create lots for every customer points credit, and an allocation summary
// consumes lots scoped by the matching redemption rule or partner map.
func (p *Processor) applyMutation(tx *gorm.DB, tenant string, helpers *txHelpers, m *plugins.Mutation) error {
	if m == nil {
		return nil
	}
	now := p.now()
	entryIDs, err := ledger.AppendEntries(tx, tenant, m.Entries, now)
	if err != nil {
		return err
	}

	for i, entry := range m.Entries {
		if !strings.HasPrefix(entry.Memo, "earn:") {
			continue
		}
		merchantID := strings.TrimPrefix(entry.Memo, "earn:")
		cfg, err := helpers.ProgramConfig(entry.ProgramID)
		if err != nil {
			return err
		}
		cross := plugins.CrossBrand(cfg)
		expiry := plugins.EarnExpiry(cfg)
		for _, line := range entry.Lines {
			if line.Credit <= 0 || line.Unit != ledger.UnitPoints || !ledger.IsCustomerAccount(tenant, line.AccountID) {
				continue
			}
			var expiresAt *time.Time
			if days := expiry.DaysFor(merchantID, cross); days != nil {
				t := now.Add(time.Duration(*days) * 24 * time.Hour)
				expiresAt = &t
			}
			_, err := lots.Create(tx, lots.CreateParams{
				Tenant:          tenant,
				ProgramID:       entry.ProgramID,
				Unit:            line.Unit,
				CustomerAccount: line.AccountID,
				MerchantID:      merchantID,
				EarnEntryID:     entryIDs[i],
				Qty:             line.Credit,
				ExpiresAt:       expiresAt,
			}, now)
			if err != nil {
				return err
			}
		}
	}

	return p.consumeForSummary(tx, tenant, helpers, m, now)
}

// consumeForSummary drains lots for redeem mutations. Allocation items are
// scoped to the merchant set implied by the matching redemption rule
// (preferred) or the reverse partner map; both the global expiry bound and
// the rule override cap lot age. Without an allocation, points_redeemed is
// consumed untargeted across all merchants.
func (p *Processor) consumeForSummary(tx *gorm.DB, tenant string, helpers *txHelpers, m *plugins.Mutation, now time.Time) error {
	customerAccount, programID, unit, debit := findCustomerDebit(tenant, m.Entries)
	if customerAccount == "" {
		return nil
	}

	cfg, err := helpers.ProgramConfig(programID)
	if err != nil {
		return err
	}
	cross := plugins.CrossBrand(cfg)
	var globalExpiry *int
	if cross != nil {
		globalExpiry = cross.ExpiryDays
	}

	allocations := allocationItems(m.Summary)
	if allocations == nil {
		qty := summaryInt(m.Summary, "points_redeemed")
		if qty <= 0 {
			qty = debit
		}
		if qty <= 0 {
			return nil
		}
		return lots.Consume(tx, lots.ConsumeParams{
			Tenant:          tenant,
			CustomerAccount: customerAccount,
			ProgramID:       programID,
			Unit:            unit,
			Amount:          qty,
		}, lots.Filter{MaxAgeDays: globalExpiry}, now, helpers.lock)
	}

	burnMerchantID, _ := m.Summary["burn_merchant_id"].(string)
	ruleSet, err := rules.LoadRules(tx, tenant, burnMerchantID)
	if err != nil {
		return err
	}
	for _, alloc := range allocations {
		filter := lots.Filter{MaxAgeDays: globalExpiry}
		if rule := ruleSet.ByEarnAccount(alloc.account); rule != nil {
			filter.MerchantIDs = []string{rule.EarnMerchantID}
			filter.MaxAgeDays = rules.CombineExpiry(globalExpiry, rule.ExpiryDaysOverride)
		} else if merchants := cross.MerchantsForAccount(alloc.account); len(merchants) > 0 {
			filter.MerchantIDs = merchants
		}
		err := lots.Consume(tx, lots.ConsumeParams{
			Tenant:          tenant,
			CustomerAccount: customerAccount,
			ProgramID:       programID,
			Unit:            unit,
			Amount:          alloc.amount,
		}, filter, now, helpers.lock)
		if err != nil {
			return err
		}
	}
	return nil
}

// findCustomerDebit locates the redeem entry's customer debit line.
func findCustomerDebit(tenant string, entries []ledger.Entry) (account, programID, unit string, debit int64) {
	for _, entry := range entries {
		for _, line := range entry.Lines {
			if line.Debit > 0 && ledger.IsCustomerAccount(tenant, line.AccountID) {
				return line.AccountID, entry.ProgramID, line.Unit, line.Debit
			}
		}
	}
	return "", "", "", 0
}

type allocationItem struct {
	account string
	amount  int64
}

// allocationItems extracts the plugin allocation summary. Returns nil when
// the summary carries no allocation.
func allocationItems(summary map[string]any) []allocationItem {
	raw, ok := summary["allocation"]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]map[string]any)
	if !ok {
		return nil
	}
	items := make([]allocationItem, 0, len(list))
	for _, entry := range list {
		account, _ := entry["merchant_account"].(string)
		amount := anyInt(entry["amount"])
		if account != "" && amount > 0 {
			items = append(items, allocationItem{account: account, amount: amount})
		}
	}
	return items
}

func summaryInt(summary map[string]any, key string) int64 {
	return anyInt(summary[key])
}

func anyInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// parseItems extracts the itemized lines from the stored receipt payload.
// Malformed payloads yield no items; the earn plugin only needs the totals.
func parseItems(payload string) []plugins.LineItem {
	if payload == "" {
		return nil
	}
	var doc struct {
		Items []plugins.LineItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil
	}
	return doc.Items
}

func marshalSummary(summary map[string]any) (string, error) {
	if len(summary) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	return string(encoded), nil
}

// insertNotification appends one outbox row in the same transaction as the
// job transition it reports.
func (p *Processor) insertNotification(tx *gorm.DB, kind Kind, job *models.Job, status, summary, errMsg string) error {
	now := p.now()
	row := models.JobNotification{
		ID:          uuid.New(),
		Tenant:      job.Tenant,
		JobType:     kind.JobType,
		JobID:       job.ID,
		ReferenceID: job.ReferenceID,
		Status:      status,
		Summary:     summary,
		Error:       truncateError(errMsg),
		AvailableAt: now,
		CreatedAt:   now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
