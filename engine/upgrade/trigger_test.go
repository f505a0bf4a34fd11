package upgrade

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"uptree/directory"
	"uptree/engine/placement"
	"uptree/engine/progression"
	"uptree/engine/reserve"
	"uptree/identity"
	"uptree/plan"
	"uptree/storage"
)

type fixture struct {
	store    *storage.Store
	dir      *directory.Service
	resolver *placement.Resolver
	ledger   *reserve.Ledger
	machine  *progression.Machine
	trigger  *Trigger
}

func testClock() func() time.Time {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	return func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
}

func setup(t *testing.T, catalog plan.Catalog) *fixture {
	t.Helper()
	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := storage.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := testClock()
	dir := directory.NewService(store, clock)
	anchor, err := dir.Register(context.Background(), "anchor", "anchor", "")
	if err != nil {
		t.Fatalf("register anchor: %v", err)
	}
	resolver := placement.NewResolver(dir, anchor.Address, clock)
	ledger := reserve.NewLedger(clock)
	machine := progression.NewMachine(resolver, ledger, catalog, clock)
	return &fixture{
		store:    store,
		dir:      dir,
		resolver: resolver,
		ledger:   ledger,
		machine:  machine,
		trigger:  NewTrigger(resolver, ledger, machine, catalog, clock),
	}
}

// seedMember registers a member and activates the given slot so later checks
// see an active prior placement.
func (f *fixture) seedMember(t *testing.T, subject, referrer string, program plan.Program, slot int) identity.Address {
	t.Helper()
	ctx := context.Background()
	member, err := f.dir.Register(ctx, subject, subject, referrer)
	if err != nil {
		t.Fatalf("register %s: %v", subject, err)
	}
	err = f.store.Transact(ctx, "test.seed", func(tx *gorm.DB) error {
		_, _, err := f.resolver.Resolve(ctx, tx, placement.ResolveInput{
			Participant: member.Address,
			Program:     program,
			Slot:        slot,
			Phase:       plan.PhaseOne,
		})
		return err
	})
	if err != nil {
		t.Fatalf("place %s: %v", subject, err)
	}
	return member.Address
}

func (f *fixture) credit(t *testing.T, owner identity.Address, program plan.Program, slot int, amount int64, source string) {
	t.Helper()
	ctx := context.Background()
	err := f.store.Transact(ctx, "test.credit", func(tx *gorm.DB) error {
		_, err := f.ledger.Credit(ctx, tx, owner.String(), program, slot, big.NewInt(amount), source)
		return err
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (f *fixture) check(t *testing.T, owner identity.Address, program plan.Program, slot int, triggerRef string) *Outcome {
	t.Helper()
	ctx := context.Background()
	var out *Outcome
	err := f.store.Transact(ctx, "test.check", func(tx *gorm.DB) error {
		var err error
		out, err = f.trigger.Check(ctx, tx, owner.String(), program, slot, triggerRef)
		return err
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return out
}

func TestCheckUpgradesOnExactBalance(t *testing.T) {
	f := setup(t, nil)
	f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)
	owner := f.seedMember(t, "member-b", "member-a", plan.ProgramBinary, 1)

	// Binary slot 2 costs exactly 10; fund it to the coin.
	f.credit(t, owner, plan.ProgramBinary, 2, 10, "test:fund")

	out := f.check(t, owner, plan.ProgramBinary, 2, "0xtrigger")
	if out.Status != StatusUpgraded {
		t.Fatalf("status = %s (%s), want upgraded", out.Status, out.Reason)
	}
	if out.Activation == nil || out.Activation.Kind != storage.ActivationAuto {
		t.Fatalf("upgrade must record an auto activation")
	}
	if out.Activation.Amount != "10" {
		t.Fatalf("activation amount = %s, want 10", out.Activation.Amount)
	}
	if out.Placement == nil || out.Placement.Slot != 2 || !out.Placement.Active {
		t.Fatalf("upgrade must place the owner in slot 2")
	}

	balance, err := reserve.Balance(f.store.DB(), owner.String(), plan.ProgramBinary, 2)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("reserve must drain to zero, got %s", balance)
	}

	var row storage.PhaseProgression
	if err := f.store.DB().Where("participant = ? AND program = ?", owner.String(), "binary").First(&row).Error; err != nil {
		t.Fatalf("progression: %v", err)
	}
	if row.CurrentSlot != 2 {
		t.Fatalf("frontier slot = %d, want 2", row.CurrentSlot)
	}
}

func TestCheckInsufficientIsQuietNoop(t *testing.T) {
	f := setup(t, nil)
	f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)
	owner := f.seedMember(t, "member-b", "member-a", plan.ProgramBinary, 1)
	f.credit(t, owner, plan.ProgramBinary, 2, 9, "test:short")

	out := f.check(t, owner, plan.ProgramBinary, 2, "0xtrigger")
	if out.Status != StatusInsufficient {
		t.Fatalf("status = %s, want insufficient-funds", out.Status)
	}
	if out.Balance.Cmp(big.NewInt(9)) != 0 || out.Price.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("balance/price = %s/%s, want 9/10", out.Balance, out.Price)
	}

	balance, err := reserve.Balance(f.store.DB(), owner.String(), plan.ProgramBinary, 2)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("reserve must stay at 9, got %s", balance)
	}
	var activations int64
	if err := f.store.DB().Model(&storage.Activation{}).Count(&activations).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if activations != 0 {
		t.Fatalf("insufficient check must not activate")
	}
}

func TestCheckTopUpThenUpgrade(t *testing.T) {
	f := setup(t, nil)
	f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)
	owner := f.seedMember(t, "member-b", "member-a", plan.ProgramBinary, 1)

	f.credit(t, owner, plan.ProgramBinary, 2, 9, "test:first")
	if out := f.check(t, owner, plan.ProgramBinary, 2, "0xt1"); out.Status != StatusInsufficient {
		t.Fatalf("first check = %s, want insufficient", out.Status)
	}
	f.credit(t, owner, plan.ProgramBinary, 2, 1, "test:second")
	if out := f.check(t, owner, plan.ProgramBinary, 2, "0xt2"); out.Status != StatusUpgraded {
		t.Fatalf("second check = %s, want upgraded", out.Status)
	}
}

func TestCheckSecondFireBlocksOnActivationIndex(t *testing.T) {
	f := setup(t, nil)
	f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)
	owner := f.seedMember(t, "member-b", "member-a", plan.ProgramBinary, 1)
	f.credit(t, owner, plan.ProgramBinary, 2, 25, "test:overfund")

	first := f.check(t, owner, plan.ProgramBinary, 2, "0xt1")
	if first.Status != StatusUpgraded {
		t.Fatalf("first check = %s, want upgraded", first.Status)
	}
	second := f.check(t, owner, plan.ProgramBinary, 2, "0xt2")
	if second.Status != StatusBlocked || second.Reason != ReasonAlreadyActive {
		t.Fatalf("second check = %s/%s, want blocked/already-active", second.Status, second.Reason)
	}

	// Only the price left the reserve.
	balance, err := reserve.Balance(f.store.DB(), owner.String(), plan.ProgramBinary, 2)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("reserve = %s, want 15", balance)
	}
}

func TestCheckRequiresPriorSlot(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	member, err := f.dir.Register(ctx, "member-unplaced", "member-unplaced", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.credit(t, member.Address, plan.ProgramBinary, 2, 100, "test:fund")

	out := f.check(t, member.Address, plan.ProgramBinary, 2, "0xtrigger")
	if out.Status != StatusBlocked || out.Reason != ReasonMissingPrior {
		t.Fatalf("check = %s/%s, want blocked/missing-prior-slot", out.Status, out.Reason)
	}
}

func TestCheckBlockedBeyondMaxSlot(t *testing.T) {
	f := setup(t, nil)
	owner := f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)

	out := f.check(t, owner, plan.ProgramBinary, plan.MaxSlot(plan.ProgramBinary)+1, "0xtrigger")
	if out.Status != StatusBlocked || out.Reason != ReasonBeyondMax {
		t.Fatalf("check = %s/%s, want blocked/beyond-max-slot", out.Status, out.Reason)
	}
	if out := f.check(t, owner, plan.ProgramBinary, 1, "0xtrigger"); out.Reason != ReasonInvalidTarget {
		t.Fatalf("slot 1 target reason = %s, want invalid-target", out.Reason)
	}
}

func TestCheckBlockedOnCatalogHole(t *testing.T) {
	catalog, err := plan.NewStaticCatalog([]plan.CatalogEntry{
		{Program: plan.ProgramBinary, Slot: 1, Name: "starter", Price: big.NewInt(5)},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f := setup(t, catalog)
	f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)
	owner := f.seedMember(t, "member-b", "member-a", plan.ProgramBinary, 1)
	f.credit(t, owner, plan.ProgramBinary, 2, 100, "test:fund")

	out := f.check(t, owner, plan.ProgramBinary, 2, "0xtrigger")
	if out.Status != StatusBlocked || out.Reason != ReasonPriceUnavailable {
		t.Fatalf("check = %s/%s, want blocked/price-unavailable", out.Status, out.Reason)
	}
	balance, err := reserve.Balance(f.store.DB(), owner.String(), plan.ProgramBinary, 2)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("reserve must be untouched, got %s", balance)
	}
}

func TestCheckPlacementFollowsUpline(t *testing.T) {
	f := setup(t, nil)
	a := f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)
	owner := f.seedMember(t, "member-b", "member-a", plan.ProgramBinary, 1)

	// Give the upline a slot-2 tree first so the upgrade lands inside it.
	f.credit(t, a, plan.ProgramBinary, 2, 10, "test:fund-a")
	if out := f.check(t, a, plan.ProgramBinary, 2, "0xta"); out.Status != StatusUpgraded {
		t.Fatalf("upline upgrade = %s", out.Status)
	}
	f.credit(t, owner, plan.ProgramBinary, 2, 10, "test:fund-b")
	out := f.check(t, owner, plan.ProgramBinary, 2, "0xtb")
	if out.Status != StatusUpgraded {
		t.Fatalf("owner upgrade = %s", out.Status)
	}
	if out.Placement.Upline != a.String() {
		t.Fatalf("slot-2 upline = %q, want %s", out.Placement.Upline, a)
	}
}

func TestCheckInsufficientClearsReadyFlag(t *testing.T) {
	f := setup(t, nil)
	f.seedMember(t, "member-a", "", plan.ProgramBinary, 1)
	owner := f.seedMember(t, "member-b", "member-a", plan.ProgramBinary, 1)

	// Seed a progression row and force the flag on.
	err := f.store.Transact(context.Background(), "test.frontier", func(tx *gorm.DB) error {
		if err := f.machine.EnsureFrontier(tx, owner.String(), plan.ProgramBinary, 1, plan.PhaseOne); err != nil {
			return err
		}
		return tx.Model(&storage.PhaseProgression{}).
			Where("participant = ?", owner.String()).
			Update("ready", true).Error
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	f.credit(t, owner, plan.ProgramBinary, 2, 3, "test:short")
	if out := f.check(t, owner, plan.ProgramBinary, 2, "0xt"); out.Status != StatusInsufficient {
		t.Fatalf("check = %s, want insufficient", out.Status)
	}
	var row storage.PhaseProgression
	if err := f.store.DB().Where("participant = ?", owner.String()).First(&row).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if row.Ready {
		t.Fatalf("ready flag must clear on insufficient balance")
	}
}
