package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
)

// UnitPoints is the default quantity namespace for earn and redeem flows.
const UnitPoints = "points"

var (
	// ErrUnbalancedEntry is returned when any unit of an entry does not
	// satisfy sum(debits) == sum(credits). This is a fatal bug, never retried.
	ErrUnbalancedEntry = errors.New("ledger: entry debits and credits do not balance")

	// ErrEmptyEntry is returned for entries without lines.
	ErrEmptyEntry = errors.New("ledger: entry has no lines")
)

// Line is one leg of a journal entry. Exactly one of Debit and Credit must
// be positive.
type Line struct {
	AccountID string
	Debit     int64
	Credit    int64
	Unit      string
}

// Entry is a balanced journal entry to be appended.
type Entry struct {
	ProgramID string
	ReceiptID *uuid.UUID
	Memo      string
	Lines     []Line
}

// CustomerAccountID returns the conventional customer account identifier.
func CustomerAccountID(tenant, accountRef string) string {
	return tenant + "::acct::" + accountRef
}

// MerchantLiabilityAccountID returns the tenant's merchant liability account.
func MerchantLiabilityAccountID(tenant string) string {
	return tenant + "::merchant_liability"
}

// IsCustomerAccount reports whether the account follows the customer
// account convention for the tenant.
func IsCustomerAccount(tenant, accountID string) bool {
	return strings.HasPrefix(accountID, tenant+"::acct::")
}

// ValidateEntry checks the balanced-entry invariant: within every unit
// present in the lines, debits equal credits, and every line carries
// exactly one positive side.
func ValidateEntry(entry Entry) error {
	if len(entry.Lines) == 0 {
		return ErrEmptyEntry
	}
	perUnit := make(map[string]*big.Int)
	for _, line := range entry.Lines {
		if line.Debit < 0 || line.Credit < 0 {
			return fmt.Errorf("%w: negative amount on account %s", ErrUnbalancedEntry, line.AccountID)
		}
		if (line.Debit == 0) == (line.Credit == 0) {
			return fmt.Errorf("%w: line on account %s must have exactly one non-zero side", ErrUnbalancedEntry, line.AccountID)
		}
		sum, ok := perUnit[line.Unit]
		if !ok {
			sum = big.NewInt(0)
			perUnit[line.Unit] = sum
		}
		sum.Add(sum, big.NewInt(line.Debit))
		sum.Sub(sum, big.NewInt(line.Credit))
	}
	for unit, sum := range perUnit {
		if sum.Sign() != 0 {
			return fmt.Errorf("%w: unit %q off by %s", ErrUnbalancedEntry, unit, sum.String())
		}
	}
	return nil
}

// AppendEntries validates and inserts the entries inside the supplied open
// transaction, returning fresh entry IDs in input order. Line numbers start
// at 1 in input order. This layer never deduplicates; idempotency is the
// caller's concern.
func AppendEntries(tx *gorm.DB, tenant string, entries []Entry, now time.Time) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if err := ValidateEntry(entry); err != nil {
			return nil, err
		}
		entryID := uuid.New()
		journal := models.LedgerJournal{
			EntryID:   entryID,
			Tenant:    tenant,
			ProgramID: entry.ProgramID,
			ReceiptID: entry.ReceiptID,
			Memo:      entry.Memo,
			CreatedAt: now,
		}
		if err := tx.Create(&journal).Error; err != nil {
			return nil, fmt.Errorf("insert journal: %w", err)
		}
		for i, line := range entry.Lines {
			row := models.LedgerLine{
				EntryID:   entryID,
				LineNo:    i + 1,
				AccountID: line.AccountID,
				Debit:     line.Debit,
				Credit:    line.Credit,
				Unit:      line.Unit,
			}
			if err := tx.Create(&row).Error; err != nil {
				return nil, fmt.Errorf("insert line %d: %w", i+1, err)
			}
		}
		ids = append(ids, entryID)
	}
	return ids, nil
}

// Balance returns sum(credits) - sum(debits) over all lines matching the
// scope, joined to their journals. ProgramID and unit narrow the scope when
// non-empty. The result is not guaranteed to be monotonic over time and is
// never clamped; business-level non-negativity is the caller's concern.
func Balance(tx *gorm.DB, tenant, accountID, programID, unit string) (*big.Int, error) {
	var row struct {
		Credits int64
		Debits  int64
	}
	q := tx.Model(&models.LedgerLine{}).
		Select("COALESCE(SUM(ledger_lines.credit),0) AS credits, COALESCE(SUM(ledger_lines.debit),0) AS debits").
		Joins("JOIN ledger_journals ON ledger_journals.entry_id = ledger_lines.entry_id").
		Where("ledger_journals.tenant = ? AND ledger_lines.account_id = ?", tenant, accountID)
	if programID != "" {
		q = q.Where("ledger_journals.program_id = ?", programID)
	}
	if unit != "" {
		q = q.Where("ledger_lines.unit = ?", unit)
	}
	if err := q.Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return new(big.Int).Sub(big.NewInt(row.Credits), big.NewInt(row.Debits)), nil
}

// UnitBalance is one grouped balance row for an account.
type UnitBalance struct {
	ProgramID string
	Unit      string
	Qty       int64
}

// Balances returns the account's balances grouped by program and unit.
func Balances(tx *gorm.DB, tenant, accountID, programID string) ([]UnitBalance, error) {
	rows := make([]UnitBalance, 0)
	q := tx.Model(&models.LedgerLine{}).
		Select("ledger_journals.program_id AS program_id, ledger_lines.unit AS unit, COALESCE(SUM(ledger_lines.credit - ledger_lines.debit),0) AS qty").
		Joins("JOIN ledger_journals ON ledger_journals.entry_id = ledger_lines.entry_id").
		Where("ledger_journals.tenant = ? AND ledger_lines.account_id = ?", tenant, accountID).
		Group("ledger_journals.program_id, ledger_lines.unit").
		Order("ledger_journals.program_id, ledger_lines.unit")
	if programID != "" {
		q = q.Where("ledger_journals.program_id = ?", programID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	return rows, nil
}
