package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
)

// EnqueueReceipt inserts the pending processing job for a newly ingested
// receipt, in the caller's transaction.
func EnqueueReceipt(tx *gorm.DB, tenant string, receiptID uuid.UUID, now time.Time) (uuid.UUID, error) {
	job := models.ReceiptJob{Job: newJob(tenant, receiptID, now)}
	if err := tx.Create(&job).Error; err != nil {
		return uuid.Nil, fmt.Errorf("enqueue receipt job: %w", err)
	}
	return job.ID, nil
}

// EnqueueRedeem inserts the pending processing job for a redemption request,
// in the caller's transaction.
func EnqueueRedeem(tx *gorm.DB, tenant string, requestID uuid.UUID, now time.Time) (uuid.UUID, error) {
	job := models.RedeemJob{Job: newJob(tenant, requestID, now)}
	if err := tx.Create(&job).Error; err != nil {
		return uuid.Nil, fmt.Errorf("enqueue redeem job: %w", err)
	}
	return job.ID, nil
}

func newJob(tenant string, referenceID uuid.UUID, now time.Time) models.Job {
	return models.Job{
		ID:          uuid.New(),
		Tenant:      tenant,
		ReferenceID: referenceID,
		Status:      models.JobPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Worker polls both job tables and drives claimed jobs through the
// processor. Several workers may run concurrently against the same store;
// row locks keep their claims disjoint.
type Worker struct {
	proc            *Processor
	pollInterval    time.Duration
	reclaimAfter    time.Duration
	reclaimInterval time.Duration
	log             *slog.Logger
}

// WorkerOption customises one worker.
type WorkerOption func(*Worker)

// WithPollInterval sets the idle sleep between empty polls.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithReclaim configures the stuck-job sweep: processing rows untouched for
// longer than after are returned to pending every interval.
func WithReclaim(after, interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if after > 0 {
			w.reclaimAfter = after
		}
		if interval > 0 {
			w.reclaimInterval = interval
		}
	}
}

// WithWorkerLogger supplies a structured logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// NewWorker wraps a processor in a polling loop.
func NewWorker(proc *Processor, opts ...WorkerOption) *Worker {
	w := &Worker{
		proc:            proc,
		pollInterval:    time.Second,
		reclaimAfter:    5 * time.Minute,
		reclaimInterval: time.Minute,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes jobs until the context is cancelled. Errors from individual
// work units are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(w.reclaimInterval)
	defer reclaim.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaim.C:
			w.reclaimAll()
		case <-poll.C:
		}
	}
}

// drain processes due jobs from both tables until neither has work.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		busy := false
		for _, kind := range []Kind{ReceiptKind, RedeemKind} {
			worked, err := w.proc.RunOnce(kind)
			if err != nil {
				w.log.Error("work unit error", "table", kind.Table, "error", err.Error())
			}
			busy = busy || worked
		}
		if !busy {
			return
		}
	}
}

func (w *Worker) reclaimAll() {
	for _, kind := range []Kind{ReceiptKind, RedeemKind} {
		n, err := w.proc.Reclaim(kind, w.reclaimAfter)
		if err != nil {
			w.log.Error("reclaim error", "table", kind.Table, "error", err.Error())
			continue
		}
		if n > 0 {
			w.log.Warn("reclaimed stuck jobs", "table", kind.Table, "count", n)
		}
	}
}

// Reclaim returns processing jobs untouched for longer than the threshold
// to pending, making them claimable again. A crashed worker's claim never
// commits, so the swept rows are the ones whose transaction aborted without
// the recovery pass running.
func (p *Processor) Reclaim(kind Kind, after time.Duration) (int64, error) {
	now := p.now()
	cutoff := now.Add(-after)
	var affected int64
	err := p.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Table(kind.Table).
			Where("status = ? AND updated_at < ?", models.JobProcessing, cutoff).
			Updates(map[string]any{
				"status":       models.JobPending,
				"available_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("reclaim jobs: %w", res.Error)
		}
		affected = res.RowsAffected
		return nil
	})
	return affected, err
}
