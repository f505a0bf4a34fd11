package reserve

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"uptree/fault"
	"uptree/plan"
	"uptree/storage"
)

func setupLedger(t *testing.T) (*Ledger, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := storage.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewLedger(func() time.Time { return now }), store
}

const owner = "upt1owner"

func TestCreditDebitBalance(t *testing.T) {
	ledger, store := setupLedger(t)
	ctx := context.Background()

	err := store.Transact(ctx, "fund", func(tx *gorm.DB) error {
		change, err := ledger.Credit(ctx, tx, owner, plan.ProgramBinary, 4, big.NewInt(20), "act-1")
		if err != nil {
			return err
		}
		if !change.Applied || change.Balance.Cmp(big.NewInt(20)) != 0 {
			t.Fatalf("credit outcome: applied=%v balance=%s", change.Applied, change.Balance)
		}
		change, err = ledger.Credit(ctx, tx, owner, plan.ProgramBinary, 4, big.NewInt(20), "act-2")
		if err != nil {
			return err
		}
		if change.Balance.Cmp(big.NewInt(40)) != 0 {
			t.Fatalf("balance after second credit = %s, want 40", change.Balance)
		}
		change, err = ledger.Debit(ctx, tx, owner, plan.ProgramBinary, 4, big.NewInt(40), "upgrade-1")
		if err != nil {
			return err
		}
		if change.Balance.Sign() != 0 {
			t.Fatalf("balance after drain = %s, want 0", change.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	balance, err := Balance(store.DB(), owner, plan.ProgramBinary, 4)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("persisted balance = %s, want 0", balance)
	}
	audited, err := Audit(store.DB(), owner, plan.ProgramBinary, 4)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if audited.Cmp(balance) != 0 {
		t.Fatalf("audit %s != balance %s", audited, balance)
	}
}

func TestDebitBeyondBalanceFails(t *testing.T) {
	ledger, store := setupLedger(t)
	ctx := context.Background()

	err := store.Transact(ctx, "overdraw", func(tx *gorm.DB) error {
		if _, err := ledger.Credit(ctx, tx, owner, plan.ProgramBinary, 4, big.NewInt(10), "act-1"); err != nil {
			return err
		}
		_, err := ledger.Debit(ctx, tx, owner, plan.ProgramBinary, 4, big.NewInt(11), "upgrade-1")
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// The rejected transaction must leave no trace.
	var entries int64
	if err := store.DB().Model(&storage.ReserveEntry{}).Count(&entries).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if entries != 0 {
		t.Fatalf("entries after rollback = %d, want 0", entries)
	}
}

func TestReplayedSourceDoesNotDoubleApply(t *testing.T) {
	ledger, store := setupLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := store.Transact(ctx, "credit", func(tx *gorm.DB) error {
			change, err := ledger.Credit(ctx, tx, owner, plan.ProgramMatrix, 2, big.NewInt(25), "act-1")
			if err != nil {
				return err
			}
			if i == 1 && change.Applied {
				t.Fatalf("replayed credit must not re-apply")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("transact %d: %v", i, err)
		}
	}

	balance, err := Balance(store.DB(), owner, plan.ProgramMatrix, 2)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("balance = %s, want 25", balance)
	}

	// The same source may back one credit and one debit, but not two of a
	// direction.
	err = store.Transact(ctx, "debit same source", func(tx *gorm.DB) error {
		change, err := ledger.Debit(ctx, tx, owner, plan.ProgramMatrix, 2, big.NewInt(25), "act-1")
		if err != nil {
			return err
		}
		if !change.Applied {
			t.Fatalf("first debit for source must apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
}

func TestApplyValidation(t *testing.T) {
	ledger, store := setupLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func(tx *gorm.DB) error
	}{
		{"empty owner", func(tx *gorm.DB) error {
			_, err := ledger.Credit(ctx, tx, " ", plan.ProgramBinary, 1, big.NewInt(1), "s")
			return err
		}},
		{"bad program", func(tx *gorm.DB) error {
			_, err := ledger.Credit(ctx, tx, owner, "ternary", 1, big.NewInt(1), "s")
			return err
		}},
		{"slot out of range", func(tx *gorm.DB) error {
			_, err := ledger.Credit(ctx, tx, owner, plan.ProgramBinary, 99, big.NewInt(1), "s")
			return err
		}},
		{"zero amount", func(tx *gorm.DB) error {
			_, err := ledger.Credit(ctx, tx, owner, plan.ProgramBinary, 1, big.NewInt(0), "s")
			return err
		}},
		{"nil amount", func(tx *gorm.DB) error {
			_, err := ledger.Credit(ctx, tx, owner, plan.ProgramBinary, 1, nil, "s")
			return err
		}},
		{"empty source", func(tx *gorm.DB) error {
			_, err := ledger.Credit(ctx, tx, owner, plan.ProgramBinary, 1, big.NewInt(1), " ")
			return err
		}},
	}
	for _, tc := range cases {
		err := store.Transact(ctx, tc.name, tc.fn)
		var validation *fault.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestBalanceNeverNegativeAcrossMixedFlow(t *testing.T) {
	ledger, store := setupLedger(t)
	ctx := context.Background()

	amounts := []int64{5, 12, 3, 9}
	err := store.Transact(ctx, "mixed", func(tx *gorm.DB) error {
		for i, v := range amounts {
			if _, err := ledger.Credit(ctx, tx, owner, plan.ProgramGlobal, 3, big.NewInt(v), fmt.Sprintf("c-%d", i)); err != nil {
				return err
			}
		}
		if _, err := ledger.Debit(ctx, tx, owner, plan.ProgramGlobal, 3, big.NewInt(17), "d-0"); err != nil {
			return err
		}
		balance, err := ledger.LockedBalance(tx, owner, plan.ProgramGlobal, 3)
		if err != nil {
			return err
		}
		if balance.Cmp(big.NewInt(12)) != 0 {
			t.Fatalf("balance = %s, want 12", balance)
		}
		audited, err := Audit(tx, owner, plan.ProgramGlobal, 3)
		if err != nil {
			return err
		}
		if audited.Cmp(balance) != 0 {
			t.Fatalf("audit %s diverged from balance %s", audited, balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	entries, err := Entries(store.DB(), owner, plan.ProgramGlobal, 3, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want 5", len(entries))
	}
}
