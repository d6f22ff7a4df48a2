package plugins

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"loyaltyd/models"
	"loyaltyd/rules"
)

// fakeHelpers is an in-memory helper implementation for plugin tests.
type fakeHelpers struct {
	now         time.Time
	configs     map[string]json.RawMessage
	balances    map[string]int64
	spend       map[string]int64
	tiers       map[string]models.CustomerTier
	upserts     []models.CustomerTier
	attribution []rules.Attribution
	frozen      map[string]bool
	ids         int
}

func newFakeHelpers() *fakeHelpers {
	return &fakeHelpers{
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		configs:  make(map[string]json.RawMessage),
		balances: make(map[string]int64),
		spend:    make(map[string]int64),
		tiers:    make(map[string]models.CustomerTier),
		frozen:   make(map[string]bool),
	}
}

func balanceKey(account, program, unit string) string {
	return account + "|" + program + "|" + unit
}

func (h *fakeHelpers) Now() time.Time { return h.now }

func (h *fakeHelpers) GenerateID() string {
	h.ids++
	return fmt.Sprintf("fake-id-%d", h.ids)
}

func (h *fakeHelpers) ProgramConfig(programID string) (json.RawMessage, error) {
	return h.configs[programID], nil
}

func (h *fakeHelpers) AccountBalance(accountID, programID, unit string) (*big.Int, error) {
	return big.NewInt(h.balances[balanceKey(accountID, programID, unit)]), nil
}

func (h *fakeHelpers) RollingSpendCents(merchantID, accountRef string, _, _ time.Time) (int64, error) {
	return h.spend[merchantID+"|"+accountRef], nil
}

func (h *fakeHelpers) UpsertCustomerTier(tier models.CustomerTier) error {
	h.upserts = append(h.upserts, tier)
	h.tiers[tier.MerchantID+"|"+tier.CustomerAccount] = tier
	return nil
}

func (h *fakeHelpers) CustomerTier(merchantID, customerAccount string) (*models.CustomerTier, error) {
	tier, ok := h.tiers[merchantID+"|"+customerAccount]
	if !ok {
		return nil, nil
	}
	return &tier, nil
}

func (h *fakeHelpers) OutstandingAttribution(string, rules.AttributionQuery) ([]rules.Attribution, error) {
	return h.attribution, nil
}

func (h *fakeHelpers) FrozenMerchants(accounts []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, account := range accounts {
		if h.frozen[account] {
			out[account] = true
		}
	}
	return out, nil
}
