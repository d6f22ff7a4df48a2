package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db.Gorm()
}

func TestValidateEntryBalanced(t *testing.T) {
	entry := Entry{
		ProgramID: "prog",
		Lines: []Line{
			{AccountID: "t1::merchant_liability", Debit: 10, Unit: UnitPoints},
			{AccountID: "t1::acct::c1", Credit: 10, Unit: UnitPoints},
		},
	}
	if err := ValidateEntry(entry); err != nil {
		t.Fatalf("balanced entry rejected: %v", err)
	}
}

func TestValidateEntryUnbalanced(t *testing.T) {
	entry := Entry{
		Lines: []Line{
			{AccountID: "a", Debit: 10, Unit: UnitPoints},
			{AccountID: "b", Credit: 9, Unit: UnitPoints},
		},
	}
	if err := ValidateEntry(entry); !errors.Is(err, ErrUnbalancedEntry) {
		t.Fatalf("expected ErrUnbalancedEntry, got %v", err)
	}
}

func TestValidateEntryPerUnit(t *testing.T) {
	// Balanced in aggregate but unbalanced within each unit.
	entry := Entry{
		Lines: []Line{
			{AccountID: "a", Debit: 10, Unit: "points"},
			{AccountID: "b", Credit: 10, Unit: "stamps:card"},
		},
	}
	if err := ValidateEntry(entry); !errors.Is(err, ErrUnbalancedEntry) {
		t.Fatalf("expected per-unit balance check, got %v", err)
	}
}

func TestValidateEntryEmpty(t *testing.T) {
	if err := ValidateEntry(Entry{}); !errors.Is(err, ErrEmptyEntry) {
		t.Fatalf("expected ErrEmptyEntry, got %v", err)
	}
}

func TestValidateEntryBothSides(t *testing.T) {
	entry := Entry{
		Lines: []Line{
			{AccountID: "a", Debit: 5, Credit: 5, Unit: UnitPoints},
		},
	}
	if err := ValidateEntry(entry); err == nil {
		t.Fatal("expected rejection of line with both sides set")
	}
}

func TestAppendEntriesAndBalance(t *testing.T) {
	db := testDB(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	customer := CustomerAccountID("t1", "c1")
	liability := MerchantLiabilityAccountID("t1")

	ids, err := AppendEntries(db, "t1", []Entry{
		{
			ProgramID: "prog",
			Memo:      "earn:m1",
			Lines: []Line{
				{AccountID: liability, Debit: 50, Unit: UnitPoints},
				{AccountID: customer, Credit: 50, Unit: UnitPoints},
			},
		},
		{
			ProgramID: "prog",
			Memo:      "redeem",
			Lines: []Line{
				{AccountID: customer, Debit: 20, Unit: UnitPoints},
				{AccountID: liability, Credit: 20, Unit: UnitPoints},
			},
		},
	}, now)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected two entry ids, got %d", len(ids))
	}

	balance, err := Balance(db, "t1", customer, "prog", UnitPoints)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 30 {
		t.Fatalf("expected balance 30, got %s", balance)
	}
}

func TestBalancesGrouped(t *testing.T) {
	db := testDB(t)
	now := time.Now().UTC()
	customer := CustomerAccountID("t1", "c1")
	liability := MerchantLiabilityAccountID("t1")

	_, err := AppendEntries(db, "t1", []Entry{
		{
			ProgramID: "prog",
			Lines: []Line{
				{AccountID: liability, Debit: 10, Unit: UnitPoints},
				{AccountID: customer, Credit: 10, Unit: UnitPoints},
			},
		},
		{
			ProgramID: "prog",
			Lines: []Line{
				{AccountID: liability, Debit: 3, Unit: "stamps:card"},
				{AccountID: customer, Credit: 3, Unit: "stamps:card"},
			},
		},
		{
			ProgramID: "other",
			Lines: []Line{
				{AccountID: liability, Debit: 7, Unit: UnitPoints},
				{AccountID: customer, Credit: 7, Unit: UnitPoints},
			},
		},
	}, now)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := Balances(db, "t1", customer, "")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected three grouped rows, got %+v", all)
	}

	scoped, err := Balances(db, "t1", customer, "prog")
	if err != nil {
		t.Fatalf("scoped balances: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected two rows for prog, got %+v", scoped)
	}
	for _, b := range scoped {
		if b.ProgramID != "prog" {
			t.Fatalf("unexpected program %q", b.ProgramID)
		}
	}
}

func TestAppendEntriesRejectsUnbalanced(t *testing.T) {
	db := testDB(t)
	_, err := AppendEntries(db, "t1", []Entry{
		{
			Lines: []Line{
				{AccountID: "a", Debit: 5, Unit: UnitPoints},
				{AccountID: "b", Credit: 4, Unit: UnitPoints},
			},
		},
	}, time.Now().UTC())
	if !errors.Is(err, ErrUnbalancedEntry) {
		t.Fatalf("expected ErrUnbalancedEntry, got %v", err)
	}
}
