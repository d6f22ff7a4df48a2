package jobs

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/ledger"
	"loyaltyd/lots"
	"loyaltyd/models"
	"loyaltyd/rules"
)

// txHelpers implements the plugin helper contracts over one open database
// transaction. Plugins never touch the store except through this type, so a
// frozen clock and a fixed snapshot make the chain deterministic.
type txHelpers struct {
	tx     *gorm.DB
	tenant string
	now    func() time.Time
	lock   lots.LockFunc
}

func (h *txHelpers) Now() time.Time { return h.now() }

func (h *txHelpers) GenerateID() string { return uuid.NewString() }

func (h *txHelpers) ProgramConfig(programID string) (json.RawMessage, error) {
	if programID == "" {
		return nil, nil
	}
	var row models.ProgramConfig
	err := h.tx.Where("tenant = ? AND program_id = ?", h.tenant, programID).First(&row).Error
	switch {
	case err == nil:
		return json.RawMessage(row.Config), nil
	case err == gorm.ErrRecordNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("load program config: %w", err)
	}
}

func (h *txHelpers) AccountBalance(accountID, programID, unit string) (*big.Int, error) {
	return ledger.Balance(h.tx, h.tenant, accountID, programID, unit)
}

func (h *txHelpers) RollingSpendCents(merchantID, accountRef string, windowStart, windowEnd time.Time) (int64, error) {
	var total int64
	err := h.tx.Model(&models.Receipt{}).
		Select("COALESCE(SUM(grand_total_cents),0)").
		Where("tenant = ? AND merchant_id = ? AND account_ref = ?", h.tenant, merchantID, accountRef).
		Where("issued_at >= ? AND issued_at < ?", windowStart, windowEnd).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum rolling spend: %w", err)
	}
	return total, nil
}

func (h *txHelpers) UpsertCustomerTier(tier models.CustomerTier) error {
	var existing models.CustomerTier
	err := h.tx.Where("tenant = ? AND merchant_id = ? AND customer_account = ?",
		h.tenant, tier.MerchantID, tier.CustomerAccount).
		First(&existing).Error
	switch {
	case err == nil:
		existing.TierID = tier.TierID
		existing.TierName = tier.TierName
		existing.WindowDays = tier.WindowDays
		existing.WindowStart = tier.WindowStart
		existing.WindowEnd = tier.WindowEnd
		existing.RollingSpendCents = tier.RollingSpendCents
		existing.UpdatedAt = h.now()
		return h.tx.Save(&existing).Error
	case err == gorm.ErrRecordNotFound:
		tier.ID = uuid.New()
		tier.Tenant = h.tenant
		tier.UpdatedAt = h.now()
		return h.tx.Create(&tier).Error
	default:
		return fmt.Errorf("lookup customer tier: %w", err)
	}
}

func (h *txHelpers) CustomerTier(merchantID, customerAccount string) (*models.CustomerTier, error) {
	var row models.CustomerTier
	err := h.tx.Where("tenant = ? AND merchant_id = ? AND customer_account = ?",
		h.tenant, merchantID, customerAccount).
		First(&row).Error
	switch {
	case err == nil:
		return &row, nil
	case err == gorm.ErrRecordNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("load customer tier: %w", err)
	}
}

func (h *txHelpers) OutstandingAttribution(customerAccount string, q rules.AttributionQuery) ([]rules.Attribution, error) {
	return rules.OutstandingAttribution(h.tx, h.tenant, customerAccount, q, h.now())
}

func (h *txHelpers) FrozenMerchants(accounts []string) (map[string]bool, error) {
	return rules.FrozenMerchants(h.tx, h.tenant, accounts)
}
