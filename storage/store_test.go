package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"uptree/fault"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.Migrate())
	return store
}

func TestTransactCommits(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.Transact(ctx, "seed", func(tx *gorm.DB) error {
		return tx.Create(&Participant{
			ID:      uuid.New(),
			Address: "upt1example",
			Subject: "member-1",
		}).Error
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, store.DB().Model(&Participant{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestTransactRollsBack(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Transact(ctx, "seed", func(tx *gorm.DB) error {
		if err := tx.Create(&Participant{ID: uuid.New(), Address: "upt1example", Subject: "member-1"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, store.DB().Model(&Participant{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestTransactRetriesConflicts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	attempts := 0
	err := store.Transact(ctx, "contended", func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestTransactSurfacesConflictAfterRetries(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	attempts := 0
	start := time.Now()
	err := store.Transact(ctx, "contended", func(tx *gorm.DB) error {
		attempts++
		return errors.New("could not serialize access due to concurrent update (SQLSTATE 40001)")
	})
	require.Equal(t, txAttempts, attempts)
	var conflict *fault.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "contended", conflict.Op)
	require.True(t, fault.IsRetryable(err))
	require.GreaterOrEqual(t, time.Since(start), txInitialDelay)
}

func TestTransactDoesNotRetryLogicErrors(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	attempts := 0
	err := store.Transact(ctx, "validate", func(tx *gorm.DB) error {
		attempts++
		return errors.New("invalid input")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.False(t, fault.IsRetryable(err))
}

func TestUniqueIndexes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	entry := func() *ReserveEntry {
		return &ReserveEntry{
			ID:        uuid.New(),
			Owner:     "upt1owner",
			Program:   "binary",
			Slot:      3,
			Direction: DirectionCredit,
			Source:    "0xabc",
			Amount:    "20",
		}
	}
	require.NoError(t, store.Transact(ctx, "first", func(tx *gorm.DB) error {
		return tx.Create(entry()).Error
	}))
	err := store.DB().Create(entry()).Error
	require.Error(t, err, "duplicate (owner, program, slot, direction, source) must be rejected")

	act := func() *Activation {
		return &Activation{
			Ref:         "0x" + fmt.Sprintf("%064d", 1),
			Participant: "upt1owner",
			Program:     "binary",
			Slot:        4,
			Kind:        ActivationAuto,
			Amount:      "40",
			TxRef:       "tx-1",
			PlacementID: uuid.New(),
		}
	}
	require.NoError(t, store.DB().Create(act()).Error)
	dup := act()
	dup.Ref = "0x" + fmt.Sprintf("%064d", 2)
	require.Error(t, store.DB().Create(dup).Error, "second activation of the same slot must be rejected")
}

func TestAmountRoundTrip(t *testing.T) {
	require.Equal(t, "0", FormatAmount(nil))
	require.Equal(t, "1234567890123456789012345678901234567890", FormatAmount(func() *big.Int {
		v, _ := new(big.Int).SetString("1234567890123456789012345678901234567890", 10)
		return v
	}()))

	parsed, err := ParseAmount(" 42 ")
	require.NoError(t, err)
	require.Zero(t, parsed.Cmp(big.NewInt(42)))

	parsed, err = ParseAmount("")
	require.NoError(t, err)
	require.Zero(t, parsed.Sign())

	_, err = ParseAmount("fortytwo")
	require.Error(t, err)
}

func TestOpenSqlitePath(t *testing.T) {
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	require.NoError(t, store.DB().Create(&OutboxMessage{
		ID:             uuid.New(),
		Topic:          "pool.contribution",
		Payload:        "{}",
		IdempotencyKey: uuid.NewString(),
		Status:         OutboxPending,
		NextAttemptAt:  time.Now(),
	}).Error)
}
