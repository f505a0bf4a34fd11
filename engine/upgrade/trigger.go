// Package upgrade fires reserve-funded slot activations. A check is a
// per-key exclusive check-and-set: the reserve balance row is locked, the
// unique activation index arbitrates races, and an insufficient balance is a
// normal negative rather than an error.
package upgrade

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"uptree/engine/placement"
	"uptree/engine/progression"
	"uptree/engine/reserve"
	"uptree/fault"
	"uptree/identity"
	"uptree/plan"
	"uptree/storage"
)

// Check statuses.
const (
	StatusUpgraded     = "upgraded"
	StatusInsufficient = "insufficient-funds"
	StatusBlocked      = "blocked"
)

// Blocked reasons.
const (
	ReasonBeyondMax        = "beyond-max-slot"
	ReasonInvalidTarget    = "invalid-target"
	ReasonPriceUnavailable = "price-unavailable"
	ReasonAlreadyActive    = "already-active"
	ReasonMissingPrior     = "missing-prior-slot"
)

// Trigger evaluates auto-upgrade conditions.
type Trigger struct {
	resolver *placement.Resolver
	ledger   *reserve.Ledger
	machine  *progression.Machine
	catalog  plan.Catalog
	now      func() time.Time
}

// NewTrigger wires the trigger to its collaborators.
func NewTrigger(resolver *placement.Resolver, ledger *reserve.Ledger, machine *progression.Machine, catalog plan.Catalog, now func() time.Time) *Trigger {
	if now == nil {
		now = time.Now
	}
	return &Trigger{resolver: resolver, ledger: ledger, machine: machine, catalog: catalog, now: now}
}

// Outcome reports one upgrade check.
type Outcome struct {
	Status  string
	Owner   string
	Program plan.Program
	// Slot is the candidate target slot.
	Slot    int
	Price   *big.Int
	Balance *big.Int
	// Reason qualifies blocked outcomes.
	Reason string
	// Activation, Placement, Debit and Progress are set when the upgrade
	// fired.
	Activation *storage.Activation
	Placement  *storage.Placement
	Debit      *reserve.Change
	Progress   *progression.Result
}

// Check attempts to fund the owner's target slot from its reserve inside the
// caller's transaction. triggerRef names the activation whose routing funded
// the reserve; it seeds the deterministic ref of the upgrade activation.
func (t *Trigger) Check(ctx context.Context, tx *gorm.DB, owner string, program plan.Program, slot int, triggerRef string) (*Outcome, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fault.Validationf("owner", "owner required")
	}
	if !program.Valid() {
		return nil, fault.Validationf("program", "unknown program %q", program)
	}
	out := &Outcome{Status: StatusBlocked, Owner: owner, Program: program, Slot: slot}
	if slot < 2 {
		out.Reason = ReasonInvalidTarget
		return out, nil
	}
	if slot > plan.MaxSlot(program) {
		out.Reason = ReasonBeyondMax
		return out, nil
	}

	price, err := t.catalog.Price(program, slot)
	if err != nil {
		if errors.Is(err, plan.ErrSlotUnknown) {
			out.Reason = ReasonPriceUnavailable
			return out, nil
		}
		return nil, err
	}
	out.Price = price

	// Lock the reserve first so concurrent checks for the same key queue up
	// behind one winner.
	balance, err := t.ledger.LockedBalance(tx, owner, program, slot)
	if err != nil {
		return nil, err
	}
	out.Balance = balance

	if exists, err := activationExists(tx, owner, program, slot); err != nil {
		return nil, err
	} else if exists {
		out.Reason = ReasonAlreadyActive
		return out, nil
	}
	prior, err := placement.ActiveByOwner(tx, owner, program, slot-1)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		out.Reason = ReasonMissingPrior
		return out, nil
	}

	if balance.Cmp(price) < 0 {
		out.Status = StatusInsufficient
		if err := t.refreshReady(tx, owner, program, false); err != nil {
			return nil, err
		}
		return out, nil
	}

	ref := identity.ActivationRef(owner, program.String(), slot, "auto:"+triggerRef)
	debit, err := t.ledger.Debit(ctx, tx, owner, program, slot, price, upgradeSource(ref))
	if err != nil {
		return nil, err
	}
	out.Debit = debit

	ownerAddr, err := identity.Parse(owner)
	if err != nil {
		return nil, err
	}
	var referrer identity.Address
	if prior.Upline != "" {
		if referrer, err = identity.Parse(prior.Upline); err != nil {
			return nil, err
		}
	}
	dest, created, err := t.resolver.Resolve(ctx, tx, placement.ResolveInput{
		Participant: ownerAddr,
		Referrer:    referrer,
		Program:     program,
		Slot:        slot,
		Phase:       plan.PhaseOne,
	})
	if err != nil {
		return nil, err
	}

	if err := t.machine.EnsureFrontier(tx, owner, program, slot, plan.PhaseOne); err != nil {
		return nil, err
	}

	activation := &storage.Activation{
		Ref:         ref,
		Participant: owner,
		Program:     program.String(),
		Slot:        slot,
		Kind:        storage.ActivationAuto,
		Amount:      storage.FormatAmount(price),
		TxRef:       triggerRef,
		PlacementID: dest.ID,
		CreatedAt:   t.now().UTC(),
	}
	if err := tx.Create(activation).Error; err != nil {
		return nil, err
	}

	out.Status = StatusUpgraded
	out.Activation = activation
	out.Placement = dest
	out.Progress = &progression.Result{}
	if created && dest.ParentID != nil {
		var parent storage.Placement
		if err := tx.First(&parent, "id = ?", *dest.ParentID).Error; err != nil {
			return nil, err
		}
		progress, err := t.machine.MemberAdded(ctx, tx, &parent)
		if err != nil {
			return nil, err
		}
		out.Progress = progress
	}
	return out, nil
}

func (t *Trigger) refreshReady(tx *gorm.DB, owner string, program plan.Program, ready bool) error {
	err := tx.Model(&storage.PhaseProgression{}).
		Where("participant = ? AND program = ?", owner, program.String()).
		Update("ready", ready).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func activationExists(tx *gorm.DB, owner string, program plan.Program, slot int) (bool, error) {
	var count int64
	err := tx.Model(&storage.Activation{}).
		Where("participant = ? AND program = ? AND slot = ?", owner, program.String(), slot).
		Count(&count).Error
	return count > 0, err
}

func upgradeSource(ref string) string {
	return "upgrade:" + ref
}
