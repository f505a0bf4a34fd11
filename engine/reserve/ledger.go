// Package reserve implements the append-only per-(owner, program, slot)
// funding ledger. Entries are immutable credits and debits; the denormalised
// balance row is maintained in the same transaction and can never go
// negative.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptree/fault"
	"uptree/plan"
	"uptree/storage"
)

// ErrInsufficientFunds reports a debit beyond the current balance. Callers
// that probe affordability treat it as a normal negative, not a failure.
var ErrInsufficientFunds = errors.New("reserve: insufficient funds")

// Ledger appends reserve entries. All mutating methods run inside the
// caller's transaction.
type Ledger struct {
	now func() time.Time
}

// NewLedger constructs a ledger with an injectable clock.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Change reports the outcome of a credit or debit. Applied is false when the
// same source already wrote this entry, in which case the ledger state is
// returned untouched.
type Change struct {
	Entry   *storage.ReserveEntry
	Balance *big.Int
	Applied bool
}

// Credit appends a credit entry and raises the balance. Replays with an
// already-applied source return the stored entry without double-crediting.
func (l *Ledger) Credit(ctx context.Context, tx *gorm.DB, owner string, program plan.Program, slot int, amount *big.Int, source string) (*Change, error) {
	return l.apply(ctx, tx, owner, program, slot, amount, source, storage.DirectionCredit)
}

// Debit appends a debit entry and lowers the balance, failing with
// ErrInsufficientFunds when the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, tx *gorm.DB, owner string, program plan.Program, slot int, amount *big.Int, source string) (*Change, error) {
	return l.apply(ctx, tx, owner, program, slot, amount, source, storage.DirectionDebit)
}

func (l *Ledger) apply(ctx context.Context, tx *gorm.DB, owner string, program plan.Program, slot int, amount *big.Int, source, direction string) (*Change, error) {
	if owner = strings.TrimSpace(owner); owner == "" {
		return nil, fault.Validationf("owner", "address required")
	}
	if !program.Valid() {
		return nil, fault.Validationf("program", "unknown program %q", program)
	}
	if slot < 1 || slot > plan.MaxSlot(program) {
		return nil, fault.Validationf("slot", "slot %d outside 1..%d", slot, plan.MaxSlot(program))
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fault.Validationf("amount", "must be positive")
	}
	if source = strings.TrimSpace(source); source == "" {
		return nil, fault.Validationf("source", "reference required")
	}

	var existing storage.ReserveEntry
	err := tx.Where(
		"owner = ? AND program = ? AND slot = ? AND direction = ? AND source = ?",
		owner, program.String(), slot, direction, source,
	).First(&existing).Error
	if err == nil {
		balance, err := l.lockedBalance(tx, owner, program, slot)
		if err != nil {
			return nil, err
		}
		current, err := storage.ParseAmount(balance.Balance)
		if err != nil {
			return nil, err
		}
		return &Change{Entry: &existing, Balance: current, Applied: false}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	balance, err := l.lockedBalance(tx, owner, program, slot)
	if err != nil {
		return nil, err
	}
	current, err := storage.ParseAmount(balance.Balance)
	if err != nil {
		return nil, err
	}

	next := new(big.Int)
	switch direction {
	case storage.DirectionCredit:
		next.Add(current, amount)
	case storage.DirectionDebit:
		next.Sub(current, amount)
		if next.Sign() < 0 {
			return nil, fmt.Errorf("%w: balance %s, debit %s", ErrInsufficientFunds, current, amount)
		}
	default:
		return nil, fault.Validationf("direction", "unknown direction %q", direction)
	}

	entry := &storage.ReserveEntry{
		ID:        uuid.New(),
		Owner:     owner,
		Program:   program.String(),
		Slot:      slot,
		Direction: direction,
		Source:    source,
		Amount:    storage.FormatAmount(amount),
		CreatedAt: l.now().UTC(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&storage.ReserveBalance{}).
		Where("owner = ? AND program = ? AND slot = ?", owner, program.String(), slot).
		Updates(map[string]any{"balance": storage.FormatAmount(next), "updated_at": l.now().UTC()}).Error; err != nil {
		return nil, err
	}
	return &Change{Entry: entry, Balance: next, Applied: true}, nil
}

// lockedBalance loads the balance row under a row lock, creating the zero
// row on first touch.
func (l *Ledger) lockedBalance(tx *gorm.DB, owner string, program plan.Program, slot int) (*storage.ReserveBalance, error) {
	var row storage.ReserveBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner = ? AND program = ? AND slot = ?", owner, program.String(), slot).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = storage.ReserveBalance{
			Owner:     owner,
			Program:   program.String(),
			Slot:      slot,
			Balance:   "0",
			UpdatedAt: l.now().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Balance reads the denormalised balance without locking. Missing rows read
// as zero.
func Balance(tx *gorm.DB, owner string, program plan.Program, slot int) (*big.Int, error) {
	var row storage.ReserveBalance
	err := tx.Where("owner = ? AND program = ? AND slot = ?", owner, program.String(), slot).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return storage.ParseAmount(row.Balance)
}

// LockedBalance reads the balance under a row lock for check-and-set flows.
func (l *Ledger) LockedBalance(tx *gorm.DB, owner string, program plan.Program, slot int) (*big.Int, error) {
	row, err := l.lockedBalance(tx, owner, program, slot)
	if err != nil {
		return nil, err
	}
	return storage.ParseAmount(row.Balance)
}

// Audit recomputes the balance from the immutable entries, for invariant
// checks and exports.
func Audit(tx *gorm.DB, owner string, program plan.Program, slot int) (*big.Int, error) {
	var entries []storage.ReserveEntry
	err := tx.Where("owner = ? AND program = ? AND slot = ?", owner, program.String(), slot).
		Order("created_at asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, entry := range entries {
		amount, err := storage.ParseAmount(entry.Amount)
		if err != nil {
			return nil, err
		}
		switch entry.Direction {
		case storage.DirectionCredit:
			total.Add(total, amount)
		case storage.DirectionDebit:
			total.Sub(total, amount)
		default:
			return nil, fmt.Errorf("reserve: unknown direction %q in entry %s", entry.Direction, entry.ID)
		}
	}
	return total, nil
}

// Entries lists the most recent ledger entries for an owner's reserve.
func Entries(tx *gorm.DB, owner string, program plan.Program, slot int, limit int) ([]storage.ReserveEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []storage.ReserveEntry
	err := tx.Where("owner = ? AND program = ? AND slot = ?", owner, program.String(), slot).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
