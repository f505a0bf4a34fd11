// Package progression drives the phase/slot state machine. Member additions
// advance per-node counters; filled phases promote the tree root (rotate the
// tree, move the root onward) within the caller's transaction, so capacity
// invariants hold at every commit point.
package progression

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptree/engine/placement"
	"uptree/engine/reserve"
	"uptree/fault"
	"uptree/identity"
	"uptree/plan"
	"uptree/storage"
)

// Machine evaluates progression after placement changes.
type Machine struct {
	resolver *placement.Resolver
	ledger   *reserve.Ledger
	catalog  plan.Catalog
	now      func() time.Time
}

// NewMachine wires the state machine to its collaborators.
func NewMachine(resolver *placement.Resolver, ledger *reserve.Ledger, catalog plan.Catalog, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{resolver: resolver, ledger: ledger, catalog: catalog, now: now}
}

// Promotion describes one structural move produced by a filled phase.
type Promotion struct {
	Participant    string
	Program        plan.Program
	FromSlot       int
	FromPhase      plan.Phase
	ToSlot         int
	ToPhase        plan.Phase
	Rotation       *placement.Rotation
	NewPlacement   *storage.Placement
	ReserveApplied *big.Int
}

// Result aggregates everything a member addition set in motion.
type Result struct {
	Promotions []*Promotion
	Capped     []*storage.Placement
}

// MemberAdded records that a child landed under parent, refreshes the
// parent's counters, and promotes the root when its phase filled. Promotion
// placements feed back into MemberAdded, so one join can ripple promotions
// up the ladder; every step happens inside the caller's transaction.
func (m *Machine) MemberAdded(ctx context.Context, tx *gorm.DB, parent *storage.Placement) (*Result, error) {
	result := &Result{}
	if err := m.memberAdded(ctx, tx, parent, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Machine) memberAdded(ctx context.Context, tx *gorm.DB, parent *storage.Placement, result *Result) error {
	program, err := plan.ParseProgram(parent.Program)
	if err != nil {
		return err
	}
	phase, err := plan.ParsePhase(parent.Phase)
	if err != nil {
		return err
	}
	capacity, err := plan.Capacity(program, phase)
	if err != nil {
		return err
	}
	count, err := placement.CountActiveChildren(tx, parent.ID)
	if err != nil {
		return err
	}
	if err := m.syncCounters(tx, parent, int(count), capacity); err != nil {
		return err
	}
	if int(count) < capacity {
		return nil
	}
	// Only a full ROOT completes the phase group; interior nodes simply stop
	// accepting children and overflow continues deeper.
	if parent.ParentID != nil {
		return nil
	}
	if plan.PhaseCount(program) == 1 {
		return nil
	}
	return m.promoteRoot(ctx, tx, parent, program, phase, result)
}

func (m *Machine) promoteRoot(ctx context.Context, tx *gorm.DB, root *storage.Placement, program plan.Program, phase plan.Phase, result *Result) error {
	nextPhase, sameSlot := plan.NextPhase(program, phase)
	destSlot := root.Slot
	destPhase := nextPhase
	if !sameSlot {
		// Final phase filled: the root moves to the next slot's first phase.
		if root.Slot >= plan.MaxSlot(program) {
			result.Capped = append(result.Capped, root)
			return nil
		}
		destSlot = root.Slot + 1
		destPhase = plan.PhaseOne
	}

	// Resolve the destination price before mutating anything: a catalog hole
	// must abort the transition with the prior state intact.
	price, err := m.catalog.Price(program, destSlot)
	if err != nil {
		if errors.Is(err, plan.ErrSlotUnknown) {
			return &fault.ConfigError{Reason: "promotion target missing from catalog", Err: err}
		}
		return err
	}

	rotation, err := m.resolver.Rotate(ctx, tx, program, root.Slot, phase)
	if err != nil {
		return err
	}

	owner, err := identity.Parse(root.Participant)
	if err != nil {
		return err
	}
	dest, created, err := m.resolver.Resolve(ctx, tx, placement.ResolveInput{
		Participant: owner,
		Program:     program,
		Slot:        destSlot,
		Phase:       destPhase,
	})
	if err != nil {
		return err
	}

	promotion := &Promotion{
		Participant:    root.Participant,
		Program:        program,
		FromSlot:       root.Slot,
		FromPhase:      phase,
		ToSlot:         destSlot,
		ToPhase:        destPhase,
		Rotation:       rotation,
		NewPlacement:   dest,
		ReserveApplied: big.NewInt(0),
	}

	// Reserved funds cover as much of the new slot's price as they can, but
	// only when the promotion itself opens the slot; an owner who already
	// activated it keeps the reserve for the slot after.
	if !sameSlot && created {
		balance, err := m.ledger.LockedBalance(tx, root.Participant, program, destSlot)
		if err != nil {
			return err
		}
		applied := new(big.Int).Set(balance)
		if applied.Cmp(price) > 0 {
			applied.Set(price)
		}
		if applied.Sign() > 0 {
			if _, err := m.ledger.Debit(ctx, tx, root.Participant, program, destSlot, applied, promotionSource(dest.ID)); err != nil {
				return err
			}
			promotion.ReserveApplied = applied
		}
	}

	if err := m.EnsureFrontier(tx, root.Participant, program, destSlot, destPhase); err != nil {
		return err
	}
	if rotation.NewRoot != nil {
		newRootCount, err := placement.CountActiveChildren(tx, rotation.NewRoot.ID)
		if err != nil {
			return err
		}
		capacity, err := plan.Capacity(program, phase)
		if err != nil {
			return err
		}
		if err := m.syncCounters(tx, rotation.NewRoot, int(newRootCount), capacity); err != nil {
			return err
		}
	}
	result.Promotions = append(result.Promotions, promotion)

	// The promoted root landed under a parent in the destination tree; that
	// parent's counter moved too.
	if created && dest.ParentID != nil {
		var parentRow storage.Placement
		if err := tx.First(&parentRow, "id = ?", *dest.ParentID).Error; err != nil {
			return err
		}
		if err := m.memberAdded(ctx, tx, &parentRow, result); err != nil {
			return err
		}
	}
	return nil
}

func promotionSource(placementID uuid.UUID) string {
	return "promotion:" + placementID.String()
}

// syncCounters mirrors the derived child count into the owner's progression
// row when the placement is the owner's frontier tree.
func (m *Machine) syncCounters(tx *gorm.DB, node *storage.Placement, members, required int) error {
	var row storage.PhaseProgression
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("participant = ? AND program = ?", node.Participant, node.Program).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if row.CurrentSlot != node.Slot || row.CurrentPhase != node.Phase {
		return nil
	}
	return tx.Model(&storage.PhaseProgression{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"phase_members":  members,
			"phase_required": required,
			"updated_at":     m.now().UTC(),
		}).Error
}

// EnsureFrontier creates or advances the owner's progression row to the
// given slot/phase. Called when an activation or promotion moves the owner
// forward; never regresses the frontier.
func (m *Machine) EnsureFrontier(tx *gorm.DB, owner string, program plan.Program, slot int, phase plan.Phase) error {
	capacity, err := plan.Capacity(program, phase)
	if err != nil {
		return err
	}
	var row storage.PhaseProgression
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("participant = ? AND program = ?", owner, program.String()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = storage.PhaseProgression{
			ID:             uuid.New(),
			Participant:    owner,
			Program:        program.String(),
			CurrentSlot:    slot,
			CurrentPhase:   phase.String(),
			PhaseMembers:   0,
			PhaseRequired:  capacity,
			ReservedAmount: "0",
			CreatedAt:      m.now().UTC(),
			UpdatedAt:      m.now().UTC(),
		}
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	if slot < row.CurrentSlot {
		return nil
	}
	if slot == row.CurrentSlot && phaseRank(phase) <= phaseRank(plan.Phase(row.CurrentPhase)) {
		return nil
	}
	return tx.Model(&storage.PhaseProgression{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"current_slot":   slot,
			"current_phase":  phase.String(),
			"phase_members":  0,
			"phase_required": capacity,
			"ready":          false,
			"updated_at":     m.now().UTC(),
		}).Error
}

func phaseRank(phase plan.Phase) int {
	if phase == plan.PhaseTwo {
		return 2
	}
	return 1
}

// Snapshot is the read model behind progression status queries.
type Snapshot struct {
	Participant    string
	Program        plan.Program
	CurrentSlot    int
	CurrentPhase   plan.Phase
	PhaseMembers   int
	PhaseRequired  int
	ReservedAmount *big.Int
	NextSlot       int
	NextSlotPrice  *big.Int
	Ready          bool
}

// SnapshotFor assembles the owner's progression view: frontier position,
// counters, and next-slot funding state.
func (m *Machine) SnapshotFor(ctx context.Context, tx *gorm.DB, owner string, program plan.Program) (*Snapshot, error) {
	var row storage.PhaseProgression
	err := tx.Where("participant = ? AND program = ?", owner, program.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.NotFound("progression", owner)
	}
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{
		Participant:   row.Participant,
		Program:       program,
		CurrentSlot:   row.CurrentSlot,
		CurrentPhase:  plan.Phase(row.CurrentPhase),
		PhaseMembers:  row.PhaseMembers,
		PhaseRequired: row.PhaseRequired,
		Ready:         row.Ready,
	}
	if row.CurrentSlot < plan.MaxSlot(program) {
		snapshot.NextSlot = row.CurrentSlot + 1
		balance, err := reserve.Balance(tx, owner, program, snapshot.NextSlot)
		if err != nil {
			return nil, err
		}
		snapshot.ReservedAmount = balance
		price, err := m.catalog.Price(program, snapshot.NextSlot)
		if err == nil {
			snapshot.NextSlotPrice = price
		} else if !errors.Is(err, plan.ErrSlotUnknown) {
			return nil, err
		}
	} else {
		snapshot.ReservedAmount = big.NewInt(0)
	}
	return snapshot, nil
}
