// Package notify delivers durable job notifications to the tenant webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/storage"
)

const (
	headerSignature = "x-signature-sha256"
	headerTenant    = "x-tenant-id"
	headerJobType   = "x-job-type"
	headerJobID     = "x-job-id"

	retryBackoffFactor = 5
	errorTruncateLen   = 1024
)

var errNoNotificationDue = errors.New("notify: no notification due")

// payload is the webhook request body.
type payload struct {
	TenantID    string          `json:"tenantId"`
	JobType     string          `json:"jobType"`
	JobID       string          `json:"jobId"`
	ReferenceID string          `json:"referenceId"`
	Status      string          `json:"status"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Dispatcher drains the notification outbox, signing and posting each row
// to the configured webhook. Rows are delivered oldest first; a failed
// delivery pushes the row's availability out and moves on.
type Dispatcher struct {
	db           *storage.DB
	client       *http.Client
	webhookURL   string
	secret       []byte
	pollInterval time.Duration
	limiter      *rate.Limiter
	now          func() time.Time
	metrics      *observability.NotifierMetrics
	log          *slog.Logger
}

// DispatcherOption customises the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = clock }
}

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = client }
}

// WithPollInterval sets the idle sleep between empty polls. It also scales
// the retry delay applied to failed deliveries.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithRateLimit caps outbound deliveries per second. Zero disables the cap.
func WithRateLimit(perSecond float64) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher constructs a webhook dispatcher.
func NewDispatcher(db *storage.DB, webhookURL, secret string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		db:           db,
		client:       &http.Client{Timeout: 10 * time.Second},
		webhookURL:   webhookURL,
		secret:       []byte(secret),
		pollInterval: time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		metrics:      observability.Notifier(),
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers notifications until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delivered, err := d.DeliverOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error("delivery error", "error", err.Error())
			}
			if !delivered {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeliverOnce claims and delivers at most one due notification. The claim,
// the HTTP call, and the outcome write share one transaction so a crash
// leaves the row undelivered and due. Returns false when nothing was due.
func (d *Dispatcher) DeliverOnce(ctx context.Context) (bool, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		row, err := d.claimNext(tx)
		if err != nil {
			return err
		}
		if row == nil {
			return errNoNotificationDue
		}

		start := d.now()
		deliveryErr := d.post(ctx, row)
		elapsed := d.now().Sub(start)

		now := d.now()
		if deliveryErr != nil {
			d.metrics.RecordDelivery("failure", elapsed)
			msg := deliveryErr.Error()
			if len(msg) > errorTruncateLen {
				msg = msg[:errorTruncateLen]
			}
			updates := map[string]any{
				"delivery_attempts": row.DeliveryAttempts + 1,
				"last_error":        msg,
				"available_at":      now.Add(time.Duration(retryBackoffFactor) * d.pollInterval),
			}
			if err := tx.Model(&models.JobNotification{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("record delivery failure: %w", err)
			}
			d.log.Warn("webhook delivery failed", "notification_id", row.ID.String(), "attempts", row.DeliveryAttempts+1, "error", msg)
			return nil
		}

		d.metrics.RecordDelivery("success", elapsed)
		updates := map[string]any{
			"delivered_at":      now,
			"delivery_attempts": row.DeliveryAttempts + 1,
			"last_error":        "",
		}
		if err := tx.Model(&models.JobNotification{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoNotificationDue) {
		return false, nil
	}
	return err == nil, err
}

func (d *Dispatcher) claimNext(tx *gorm.DB) (*models.JobNotification, error) {
	now := d.now()
	var row models.JobNotification
	q := tx.Model(&models.JobNotification{}).
		Where("delivered_at IS NULL AND available_at <= ?", now).
		Order("created_at ASC").
		Limit(1)
	q = d.db.LockClause(q)
	err := q.Take(&row).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("select notification: %w", err)
	}
	return &row, nil
}

// post signs and sends one notification. Any status outside 2xx is a
// delivery failure.
func (d *Dispatcher) post(ctx context.Context, row *models.JobNotification) error {
	body := payload{
		TenantID:    row.Tenant,
		JobType:     row.JobType,
		JobID:       row.JobID.String(),
		ReferenceID: row.ReferenceID.String(),
		Status:      row.Status,
		Error:       row.Error,
	}
	if row.Summary != "" {
		body.Summary = json.RawMessage(row.Summary)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(d.secret) > 0 {
		req.Header.Set(headerSignature, Sign(d.secret, encoded))
	}
	req.Header.Set(headerTenant, row.Tenant)
	req.Header.Set(headerJobType, row.JobType)
	req.Header.Set(headerJobID, row.JobID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of the body under the shared secret.
// Receivers recompute it over the raw request body to authenticate the
// dispatcher.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
