// Package server exposes the tenant-scoped ingress API. Handlers only
// validate and enqueue; all rule evaluation happens in the job workers.
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"loyaltyd/jobs"
	"loyaltyd/ledger"
	"loyaltyd/models"
	"loyaltyd/observability"
	"loyaltyd/storage"
)

const headerTenant = "x-tenant-id"

// Server is the ingress HTTP surface.
type Server struct {
	db      *storage.DB
	router  http.Handler
	now     func() time.Time
	metrics *observability.HTTPMetrics
	log     *slog.Logger
}

// Option customises the server.
type Option func(*Server)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.now = clock }
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds the ingress server and its router.
func New(db *storage.DB, opts ...Option) *Server {
	s := &Server{
		db:      db,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: observability.HTTP(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(requireTenant)
		v1.Post("/receipts", s.CreateReceipt)
		v1.Get("/receipts/{receiptID}/status", s.ReceiptStatus)
		v1.Post("/redeem", s.CreateRedeem)
		v1.Get("/redeem/{redemptionID}/status", s.RedeemStatus)
		v1.Get("/accounts/{accountID}/balances", s.AccountBalances)
		v1.Put("/programs/{programID}/config", s.PutProgramConfig)
		v1.Get("/programs/{programID}/config", s.GetProgramConfig)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.Observe(route, r.Method, ww.Status(), s.now().Sub(start))
	})
}

// requireTenant rejects requests without the tenant header. API key
// validation happens in the auth layer in front of this service.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(headerTenant)) == "" {
			writeError(w, http.StatusBadRequest, "missing "+headerTenant+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerTenant))
}

// Cents is a monetary amount normalized to integer cents. It unmarshals
// from a JSON number or a decimal string: 42.5 and "42.5" both mean 4250.
type Cents int64

func (c *Cents) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	amount, ok := new(big.Rat).SetString(raw)
	if !ok {
		return fmt.Errorf("malformed amount %q", raw)
	}
	amount.Mul(amount, big.NewRat(100, 1))
	if !amount.IsInt() {
		return fmt.Errorf("amount %q has sub-cent precision", raw)
	}
	if !amount.Num().IsInt64() {
		return fmt.Errorf("amount %q is out of range", raw)
	}
	*c = Cents(amount.Num().Int64())
	return nil
}

type receiptRequest struct {
	IdempotencyKey  string          `json:"idempotency_key"`
	ProgramID       string          `json:"program_id"`
	MerchantID      string          `json:"merchant_id"`
	StoreID         string          `json:"store_id"`
	AccountRef      string          `json:"account_ref"`
	GrandTotal      *Cents          `json:"grand_total"`
	GrandTotalCents *int64          `json:"grand_total_cents"`
	ProcessorTxnID  string          `json:"processor_txn_id"`
	IssuedAt        time.Time       `json:"issued_at"`
	Items           json.RawMessage `json:"items"`

	// Resolved from GrandTotal/GrandTotalCents during validate.
	totalCents int64
}

func (req *receiptRequest) validate() error {
	switch {
	case req.IdempotencyKey == "":
		return errors.New("idempotency_key is required")
	case req.MerchantID == "":
		return errors.New("merchant_id is required")
	case req.AccountRef == "":
		return errors.New("account_ref is required")
	case req.GrandTotal == nil && req.GrandTotalCents == nil:
		return errors.New("grand_total or grand_total_cents is required")
	case req.IssuedAt.IsZero():
		return errors.New("issued_at is required")
	}
	total := req.GrandTotalCents
	if total == nil {
		cents := int64(*req.GrandTotal)
		total = &cents
	} else if req.GrandTotal != nil && int64(*req.GrandTotal) != *total {
		return errors.New("grand_total and grand_total_cents disagree")
	}
	if *total < 0 {
		return errors.New("grand total must not be negative")
	}
	req.totalCents = *total
	return nil
}

// Fingerprint computes the stable duplicate-detection hash over the
// identifying receipt fields. The request must have passed validate so
// the total is resolved to cents.
func Fingerprint(tenant string, req receiptRequest) string {
	parts := []string{
		tenant,
		req.IdempotencyKey,
		req.MerchantID,
		req.StoreID,
		req.AccountRef,
		fmt.Sprintf("%d.%02d", req.totalCents/100, req.totalCents%100),
		req.ProcessorTxnID,
		req.IssuedAt.UTC().Format(time.RFC3339),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type enqueueResponse struct {
	ReceiptID    string `json:"receipt_id,omitempty"`
	RedemptionID string `json:"redemption_id,omitempty"`
	JobID        string `json:"processing_job_id"`
	Status       string `json:"status"`
}

// CreateReceipt validates, stores, and enqueues one receipt. Duplicates by
// idempotency key or fingerprint return the prior job handle with 409.
func (s *Server) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	var req receiptRequest
	body, err := decodeJSON(r, &req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	fingerprint := Fingerprint(tenant, req)

	var resp enqueueResponse
	status := http.StatusAccepted
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Receipt
		dupErr := tx.Where("tenant = ? AND (idempotency_key = ? OR fingerprint = ?)",
			tenant, req.IdempotencyKey, fingerprint).
			First(&existing).Error
		switch {
		case dupErr == nil:
			job, jobStatus, err := s.findJob(tx, jobs.ReceiptKind, tenant, existing.ID)
			if err != nil {
				return err
			}
			status = http.StatusConflict
			resp = enqueueResponse{ReceiptID: existing.ID.String(), JobID: job, Status: jobStatus}
			return nil
		case dupErr != gorm.ErrRecordNotFound:
			return fmt.Errorf("lookup receipt: %w", dupErr)
		}

		now := s.now()
		receipt := models.Receipt{
			ID:              uuid.New(),
			Tenant:          tenant,
			IdempotencyKey:  req.IdempotencyKey,
			Fingerprint:     fingerprint,
			ProgramID:       req.ProgramID,
			MerchantID:      req.MerchantID,
			StoreID:         req.StoreID,
			AccountRef:      req.AccountRef,
			GrandTotalCents: req.totalCents,
			ProcessorTxnID:  req.ProcessorTxnID,
			IssuedAt:        req.IssuedAt.UTC(),
			Payload:         string(body),
			CreatedAt:       now,
		}
		if err := tx.Create(&receipt).Error; err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		jobID, err := jobs.EnqueueReceipt(tx, tenant, receipt.ID, now)
		if err != nil {
			return err
		}
		resp = enqueueResponse{ReceiptID: receipt.ID.String(), JobID: jobID.String(), Status: "queued"}
		return nil
	})
	if err != nil {
		s.serverError(w, "create receipt", err)
		return
	}
	writeJSON(w, status, resp)
}

type redeemRequest struct {
	AccountID      string  `json:"account_id"`
	ProgramID      string  `json:"program_id"`
	Unit           string  `json:"unit"`
	Qty            int64   `json:"qty"`
	Memo           string  `json:"memo"`
	IdempotencyKey *string `json:"idempotency_key"`
	BurnMerchantID string  `json:"burn_merchant_id"`
	PartnerHint    string  `json:"partner_hint"`
}

func (req *redeemRequest) validate() error {
	switch {
	case req.AccountID == "":
		return errors.New("account_id is required")
	case req.Unit == "":
		return errors.New("unit is required")
	case req.Qty <= 0:
		return errors.New("qty must be positive")
	case req.IdempotencyKey != nil && *req.IdempotencyKey == "":
		return errors.New("idempotency_key must not be empty when present")
	}
	return nil
}

// CreateRedeem validates, stores, and enqueues one redemption request.
func (s *Server) CreateRedeem(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	var req redeemRequest
	if _, err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var resp enqueueResponse
	status := http.StatusAccepted
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if req.IdempotencyKey != nil {
			var existing models.RedeemRequest
			dupErr := tx.Where("tenant = ? AND idempotency_key = ?", tenant, *req.IdempotencyKey).
				First(&existing).Error
			switch {
			case dupErr == nil:
				job, jobStatus, err := s.findJob(tx, jobs.RedeemKind, tenant, existing.ID)
				if err != nil {
					return err
				}
				status = http.StatusConflict
				resp = enqueueResponse{RedemptionID: existing.ID.String(), JobID: job, Status: jobStatus}
				return nil
			case dupErr != gorm.ErrRecordNotFound:
				return fmt.Errorf("lookup redeem request: %w", dupErr)
			}
		}

		now := s.now()
		request := models.RedeemRequest{
			ID:             uuid.New(),
			Tenant:         tenant,
			IdempotencyKey: req.IdempotencyKey,
			AccountRef:     req.AccountID,
			ProgramID:      req.ProgramID,
			Unit:           req.Unit,
			Qty:            req.Qty,
			Memo:           req.Memo,
			BurnMerchantID: req.BurnMerchantID,
			PartnerHint:    req.PartnerHint,
			CreatedAt:      now,
		}
		if err := tx.Create(&request).Error; err != nil {
			return fmt.Errorf("insert redeem request: %w", err)
		}
		jobID, err := jobs.EnqueueRedeem(tx, tenant, request.ID, now)
		if err != nil {
			return err
		}
		resp = enqueueResponse{RedemptionID: request.ID.String(), JobID: jobID.String(), Status: "queued"}
		return nil
	})
	if err != nil {
		s.serverError(w, "create redeem", err)
		return
	}
	writeJSON(w, status, resp)
}

type statusResponse struct {
	ReceiptID    string     `json:"receipt_id,omitempty"`
	RedemptionID string     `json:"redemption_id,omitempty"`
	JobID        string     `json:"processing_job_id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	Summary      any        `json:"summary,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	AvailableAt  time.Time  `json:"available_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ReceiptStatus returns the processing state of one receipt.
func (s *Server) ReceiptStatus(w http.ResponseWriter, r *http.Request) {
	s.jobStatus(w, r, jobs.ReceiptKind, chi.URLParam(r, "receiptID"))
}

// RedeemStatus returns the processing state of one redemption request.
func (s *Server) RedeemStatus(w http.ResponseWriter, r *http.Request) {
	s.jobStatus(w, r, jobs.RedeemKind, chi.URLParam(r, "redemptionID"))
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request, kind jobs.Kind, rawID string) {
	tenant := tenantFrom(r)
	refID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed id")
		return
	}
	var job models.Job
	err = s.db.Gorm().Table(kind.Table).
		Where("tenant = ? AND reference_id = ?", tenant, refID).
		Take(&job).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		writeError(w, http.StatusNotFound, "no job for reference")
		return
	case err != nil:
		s.serverError(w, "job status", err)
		return
	}
	resp := statusResponse{
		JobID:       job.ID.String(),
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		LastError:   job.LastError,
		CompletedAt: job.CompletedAt,
		AvailableAt: job.AvailableAt,
		CreatedAt:   job.CreatedAt,
	}
	if kind.JobType == jobs.ReceiptKind.JobType {
		resp.ReceiptID = refID.String()
	} else {
		resp.RedemptionID = refID.String()
	}
	if job.ResultSummary != "" {
		resp.Summary = json.RawMessage(job.ResultSummary)
	}
	writeJSON(w, http.StatusOK, resp)
}

type balanceEntry struct {
	ProgramID string `json:"program_id"`
	Unit      string `json:"unit"`
	Qty       int64  `json:"qty"`
}

// AccountBalances returns per-program, per-unit balances. The literal
// account ids "merchant" and "merchant_liability" map to the tenant's
// liability account; everything else is treated as a customer reference.
func (s *Server) AccountBalances(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	rawAccount := chi.URLParam(r, "accountID")
	var accountID string
	switch rawAccount {
	case "merchant", "merchant_liability":
		accountID = ledger.MerchantLiabilityAccountID(tenant)
	default:
		accountID = ledger.CustomerAccountID(tenant, rawAccount)
	}
	balances, err := ledger.Balances(s.db.Gorm(), tenant, accountID, r.URL.Query().Get("program_id"))
	if err != nil {
		s.serverError(w, "account balances", err)
		return
	}
	out := make([]balanceEntry, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceEntry{ProgramID: b.ProgramID, Unit: b.Unit, Qty: b.Qty})
	}
	writeJSON(w, http.StatusOK, out)
}

// PutProgramConfig stores the opaque per-program configuration document.
func (s *Server) PutProgramConfig(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	programID := chi.URLParam(r, "programID")
	var doc json.RawMessage
	if _, err := decodeJSON(r, &doc); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.now()
		var existing models.ProgramConfig
		lookupErr := tx.Where("tenant = ? AND program_id = ?", tenant, programID).First(&existing).Error
		switch {
		case lookupErr == nil:
			existing.Config = string(doc)
			existing.UpdatedAt = now
			return tx.Save(&existing).Error
		case lookupErr == gorm.ErrRecordNotFound:
			return tx.Create(&models.ProgramConfig{
				ID:        uuid.New(),
				Tenant:    tenant,
				ProgramID: programID,
				Config:    string(doc),
				UpdatedAt: now,
			}).Error
		default:
			return fmt.Errorf("lookup program config: %w", lookupErr)
		}
	})
	if err != nil {
		s.serverError(w, "put program config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetProgramConfig returns the stored configuration document.
func (s *Server) GetProgramConfig(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	programID := chi.URLParam(r, "programID")
	var row models.ProgramConfig
	err := s.db.Gorm().Where("tenant = ? AND program_id = ?", tenant, programID).First(&row).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		writeError(w, http.StatusNotFound, "program config not found")
		return
	case err != nil:
		s.serverError(w, "get program config", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"program_id": programID,
		"config":     json.RawMessage(row.Config),
	})
}

func (s *Server) findJob(tx *gorm.DB, kind jobs.Kind, tenant string, refID uuid.UUID) (string, string, error) {
	var job models.Job
	err := tx.Table(kind.Table).
		Where("tenant = ? AND reference_id = ?", tenant, refID).
		Take(&job).Error
	if err != nil {
		return "", "", fmt.Errorf("lookup job: %w", err)
	}
	return job.ID.String(), string(job.Status), nil
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeJSON reads the whole body (returned for payload storage) and
// unmarshals it into dst.
func decodeJSON(r *http.Request, dst any) ([]byte, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %w", err)
	}
	return body, nil
}

const maxBodyBytes = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
