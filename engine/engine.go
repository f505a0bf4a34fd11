// Package engine orchestrates the placement, progression, reserve, cascade
// and upgrade components behind the exported API. Every logical event runs
// in one storage transaction; events and webhooks observe committed state
// only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"uptree/bonus"
	"uptree/directory"
	"uptree/engine/cascade"
	"uptree/engine/placement"
	"uptree/engine/progression"
	"uptree/engine/reserve"
	"uptree/engine/upgrade"
	"uptree/events"
	"uptree/fault"
	"uptree/identity"
	"uptree/observability/metrics"
	"uptree/plan"
	"uptree/storage"
)

// maxWorklistSteps bounds the in-transaction upgrade/promotion loop. The
// ladder is finite, so hitting the bound means corrupted state.
const maxWorklistSteps = 10_000

// Engine owns the exported placement and progression API.
type Engine struct {
	store    *storage.Store
	dir      *directory.Service
	resolver *placement.Resolver
	ledger   *reserve.Ledger
	machine  *progression.Machine
	router   *cascade.Router
	trigger  *upgrade.Trigger
	catalog  plan.Catalog
	emitter  events.Emitter
	log      *slog.Logger
	now      func() time.Time
}

// Options configures optional engine collaborators.
type Options struct {
	// Anchor is the well-known top account placements fall back to.
	Anchor identity.Address
	// Catalog defaults to plan.DefaultCatalog.
	Catalog plan.Catalog
	// Pool receives cascade shares that leave the engine; defaults to the
	// outbox-backed distributor.
	Pool cascade.Distributor
	// Emitter broadcasts post-commit events; defaults to a no-op.
	Emitter events.Emitter
	Logger  *slog.Logger
	Now     func() time.Time
}

// New wires an engine over the store and directory.
func New(store *storage.Store, dir *directory.Service, opts Options) (*Engine, error) {
	if store == nil || dir == nil {
		return nil, errors.New("engine: store and directory required")
	}
	if opts.Anchor.IsZero() {
		return nil, errors.New("engine: anchor address required")
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pool := opts.Pool
	if pool == nil {
		pool = bonus.NewPoolDistributor(now)
	}

	resolver := placement.NewResolver(dir, opts.Anchor, now)
	ledger := reserve.NewLedger(now)
	machine := progression.NewMachine(resolver, ledger, catalog, now)
	return &Engine{
		store:    store,
		dir:      dir,
		resolver: resolver,
		ledger:   ledger,
		machine:  machine,
		router:   cascade.NewRouter(ledger, pool, now),
		trigger:  upgrade.NewTrigger(resolver, ledger, machine, catalog, now),
		catalog:  catalog,
		emitter:  emitter,
		log:      logger,
		now:      now,
	}, nil
}

// Directory exposes the registration service behind the engine.
func (e *Engine) Directory() *directory.Service { return e.dir }

// Store exposes the backing store for read paths and operational tooling.
func (e *Engine) Store() *storage.Store { return e.store }

// Catalog exposes the slot catalog in use.
func (e *Engine) Catalog() plan.Catalog { return e.catalog }

// PlacementRequest asks for a tree position without activating a slot.
type PlacementRequest struct {
	// Participant is the bech32 address of the joining member.
	Participant string
	// Referrer optionally names the sponsor by address or handle.
	Referrer string
	Program  string
	Slot     int
}

// ActivationRequest records a paid slot activation.
type ActivationRequest struct {
	Participant string
	// Referrer is optional; it only matters when the activation also creates
	// the placement.
	Referrer string
	Program  string
	Slot     int
	// Amount must equal the catalog price of the slot.
	Amount *big.Int
	// TxRef is the caller's idempotency handle for this logical event.
	TxRef string
}

// ActivationResult is the committed outcome of one activation event.
type ActivationResult struct {
	Replayed     bool
	Activation   *storage.Activation
	Placement    *storage.Placement
	Route        *cascade.Decision
	Promotions   []*progression.Promotion
	Capped       []*storage.Placement
	AutoUpgrades []*upgrade.Outcome
}

// PlacementResult is the committed outcome of a placement resolution.
type PlacementResult struct {
	Placement  *storage.Placement
	Created    bool
	Promotions []*progression.Promotion
	Capped     []*storage.Placement
}

type creditKey struct {
	owner string
	slot  int
}

// run accumulates the per-transaction worklist and event batch. It is
// rebuilt from scratch on every transaction retry.
type run struct {
	program plan.Program
	rootRef string

	credits []creditKey
	seen    map[creditKey]bool
	promos  []*progression.Promotion
	steps   int

	result *ActivationResult
	events []events.Event
}

func newRun(program plan.Program, rootRef string) *run {
	return &run{
		program: program,
		rootRef: rootRef,
		seen:    make(map[creditKey]bool),
		result:  &ActivationResult{},
	}
}

// ResolvePlacement computes (or returns) the participant's placement for the
// slot and applies the structural consequences of a new join.
func (e *Engine) ResolvePlacement(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
	addr, program, err := e.parseSubjectProgram(req.Participant, req.Program, req.Slot)
	if err != nil {
		return nil, err
	}
	referrer, err := e.resolveReferrer(ctx, req.Referrer)
	if err != nil {
		return nil, err
	}

	var (
		out     *PlacementResult
		emitted []events.Event
	)
	err = e.store.Transact(ctx, "engine.resolve_placement", func(tx *gorm.DB) error {
		out = nil
		emitted = nil
		row, created, err := e.resolver.Resolve(ctx, tx, placement.ResolveInput{
			Participant: addr,
			Referrer:    referrer,
			Program:     program,
			Slot:        req.Slot,
			Phase:       plan.PhaseOne,
		})
		if err != nil {
			return err
		}
		result := &PlacementResult{Placement: row, Created: created}
		if !created {
			out = result
			return nil
		}

		r := newRun(program, identity.ActivationRef(addr.String(), program.String(), req.Slot, "placement"))
		r.events = append(r.events, placement.NewCreatedEvent(row))
		if row.ParentID != nil {
			progress, err := e.memberAdded(ctx, tx, *row.ParentID)
			if err != nil {
				return err
			}
			if err := e.absorbProgress(r, progress); err != nil {
				return err
			}
		}
		if err := e.drain(ctx, tx, r); err != nil {
			return err
		}
		result.Promotions = r.result.Promotions
		result.Capped = r.result.Capped
		out = result
		emitted = r.events
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(emitted)
	return out, nil
}

// RecordActivation applies one paid activation: placement, progression,
// routing and any auto-upgrades it funds, atomically. Replays by activation
// ref return the stored outcome.
func (e *Engine) RecordActivation(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	addr, program, err := e.parseSubjectProgram(req.Participant, req.Program, req.Slot)
	if err != nil {
		return nil, err
	}
	txRef := strings.TrimSpace(req.TxRef)
	if txRef == "" {
		return nil, fault.Validationf("txRef", "transaction reference required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fault.Validationf("amount", "amount must be positive")
	}
	price, err := e.catalog.Price(program, req.Slot)
	if err != nil {
		if errors.Is(err, plan.ErrSlotUnknown) {
			return nil, &fault.ConfigError{Reason: fmt.Sprintf("no catalog entry for %s slot %d", program, req.Slot), Err: err}
		}
		return nil, err
	}
	if req.Amount.Cmp(price) != 0 {
		return nil, fault.Validationf("amount", "amount %s does not match slot price %s", req.Amount, price)
	}
	referrer, err := e.resolveReferrer(ctx, req.Referrer)
	if err != nil {
		return nil, err
	}

	ref := identity.ActivationRef(addr.String(), program.String(), req.Slot, txRef)
	var (
		out     *ActivationResult
		emitted []events.Event
		steps   int
	)
	err = e.store.Transact(ctx, "engine.record_activation", func(tx *gorm.DB) error {
		out = nil
		emitted = nil

		if existing, err := activationByRef(tx, ref); err != nil {
			return err
		} else if existing != nil {
			replayed, err := e.replayResult(tx, existing)
			if err != nil {
				return err
			}
			out = replayed
			return nil
		}
		if exists, err := activationExists(tx, addr.String(), program, req.Slot); err != nil {
			return err
		} else if exists {
			return fault.Validationf("slot", "slot %d already activated for %s", req.Slot, addr)
		}

		r := newRun(program, ref)

		row, created, err := e.resolver.Resolve(ctx, tx, placement.ResolveInput{
			Participant: addr,
			Referrer:    referrer,
			Program:     program,
			Slot:        req.Slot,
			Phase:       plan.PhaseOne,
		})
		if err != nil {
			return err
		}
		if created {
			r.events = append(r.events, placement.NewCreatedEvent(row))
		}
		if err := e.machine.EnsureFrontier(tx, addr.String(), program, req.Slot, plan.PhaseOne); err != nil {
			return err
		}

		kind := storage.ActivationManual
		if req.Slot == 1 {
			kind = storage.ActivationJoin
		}
		activation := &storage.Activation{
			Ref:         ref,
			Participant: addr.String(),
			Program:     program.String(),
			Slot:        req.Slot,
			Kind:        kind,
			Amount:      storage.FormatAmount(req.Amount),
			TxRef:       txRef,
			PlacementID: row.ID,
			CreatedAt:   e.now().UTC(),
		}
		if err := tx.Create(activation).Error; err != nil {
			return err
		}
		r.result.Activation = activation
		r.result.Placement = row

		if created && row.ParentID != nil {
			progress, err := e.memberAdded(ctx, tx, *row.ParentID)
			if err != nil {
				return err
			}
			if err := e.absorbProgress(r, progress); err != nil {
				return err
			}
		}

		decision, err := e.routeActivation(ctx, tx, r, activation, row, req.Amount)
		if err != nil {
			return err
		}
		r.result.Route = decision

		if err := e.drain(ctx, tx, r); err != nil {
			return err
		}
		out = r.result
		emitted = r.events
		steps = r.steps
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		metrics.Engine().ObserveActivation(program.String(), out.Activation.Kind)
		metrics.Engine().ObserveWorklist(steps)
		e.emit(emitted)
	}
	return out, nil
}

// ProgressionStatus returns the participant's progression snapshot.
func (e *Engine) ProgressionStatus(ctx context.Context, participant, program string) (*progression.Snapshot, error) {
	addr, prog, err := e.parseSubjectProgram(participant, program, 1)
	if err != nil {
		return nil, err
	}
	return e.machine.SnapshotFor(ctx, e.store.DB().WithContext(ctx), addr.String(), prog)
}

// Placements lists every placement row of the participant, newest last.
func (e *Engine) Placements(ctx context.Context, participant string) ([]storage.Placement, error) {
	addr, err := identity.Parse(participant)
	if err != nil {
		return nil, fault.Validationf("participant", "invalid address: %v", err)
	}
	var rows []storage.Placement
	err = e.store.DB().WithContext(ctx).
		Where("participant = ?", addr.String()).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Reserves lists the participant's reserve balances, slot ascending.
func (e *Engine) Reserves(ctx context.Context, participant string) ([]storage.ReserveBalance, error) {
	addr, err := identity.Parse(participant)
	if err != nil {
		return nil, fault.Validationf("participant", "invalid address: %v", err)
	}
	var rows []storage.ReserveBalance
	err = e.store.DB().WithContext(ctx).
		Where("owner = ?", addr.String()).
		Order("program asc, slot asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ActivePlacement returns the participant's active placement for the slot.
func (e *Engine) ActivePlacement(ctx context.Context, participant, program string, slot int) (*storage.Placement, error) {
	addr, prog, err := e.parseSubjectProgram(participant, program, slot)
	if err != nil {
		return nil, err
	}
	row, err := placement.ActiveByOwner(e.store.DB().WithContext(ctx), addr.String(), prog, slot)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fault.NotFound("placement", fmt.Sprintf("%s %s slot %d", addr, prog, slot))
	}
	return row, nil
}

// ReserveActivity returns the balance and most recent ledger entries of one
// reserve, newest entry first.
func (e *Engine) ReserveActivity(ctx context.Context, participant, program string, slot, limit int) (*big.Int, []storage.ReserveEntry, error) {
	addr, prog, err := e.parseSubjectProgram(participant, program, slot)
	if err != nil {
		return nil, nil, err
	}
	db := e.store.DB().WithContext(ctx)
	balance, err := reserve.Balance(db, addr.String(), prog, slot)
	if err != nil {
		return nil, nil, err
	}
	entries, err := reserve.Entries(db, addr.String(), prog, slot, limit)
	if err != nil {
		return nil, nil, err
	}
	return balance, entries, nil
}

func (e *Engine) parseSubjectProgram(participant, program string, slot int) (identity.Address, plan.Program, error) {
	addr, err := identity.Parse(participant)
	if err != nil {
		return identity.Address{}, "", fault.Validationf("participant", "invalid address: %v", err)
	}
	prog, err := plan.ParseProgram(program)
	if err != nil {
		return identity.Address{}, "", fault.Validationf("program", "%v", err)
	}
	if slot < 1 || slot > plan.MaxSlot(prog) {
		return identity.Address{}, "", fault.Validationf("slot", "slot %d outside 1..%d", slot, plan.MaxSlot(prog))
	}
	return addr, prog, nil
}

func (e *Engine) resolveReferrer(ctx context.Context, reference string) (identity.Address, error) {
	trimmed := strings.TrimSpace(reference)
	if trimmed == "" {
		return identity.Address{}, nil
	}
	member, err := e.dir.ResolveHandleOrAddress(ctx, trimmed)
	if err != nil {
		return identity.Address{}, err
	}
	return member.Address, nil
}

func (e *Engine) memberAdded(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (*progression.Result, error) {
	var parent storage.Placement
	if err := tx.First(&parent, "id = ?", parentID).Error; err != nil {
		return nil, err
	}
	return e.machine.MemberAdded(ctx, tx, &parent)
}

// routeActivation routes one activation's cost and forwards the non-routed
// remainder to the commission plane.
func (e *Engine) routeActivation(ctx context.Context, tx *gorm.DB, r *run, activation *storage.Activation, row *storage.Placement, cost *big.Int) (*cascade.Decision, error) {
	decision, err := e.router.Route(ctx, tx, cascade.Input{Ref: activation.Ref, Placement: row, Cost: cost})
	if err != nil {
		return nil, err
	}
	e.absorbDecision(r, activation.Ref, decision)

	routed := new(big.Int).Add(decision.Share, decision.Pooled)
	remainder := new(big.Int).Sub(cost, routed)
	if err := bonus.EnqueueCommission(tx, activation, routed.String(), remainder.String(), e.now()); err != nil {
		return nil, err
	}
	return decision, nil
}

func (e *Engine) absorbDecision(r *run, ref string, d *cascade.Decision) {
	r.events = append(r.events, cascade.NewRoutedEvent(ref, d))
	if !d.Replayed {
		outcome := "pooled"
		if d.Credited {
			outcome = "credited"
		}
		metrics.Engine().ObserveRoute(r.program.String(), outcome)
	}
	if !d.Credited {
		return
	}
	if d.Credit != nil {
		r.events = append(r.events, reserve.NewCreditedEvent(d.Credit))
	}
	key := creditKey{owner: d.Ancestor, slot: d.CreditSlot}
	if !r.seen[key] {
		r.seen[key] = true
		r.credits = append(r.credits, key)
	}
}

func (e *Engine) absorbProgress(r *run, progress *progression.Result) error {
	if progress == nil {
		return nil
	}
	for _, p := range progress.Promotions {
		r.result.Promotions = append(r.result.Promotions, p)
		if p.Rotation != nil {
			r.events = append(r.events, placement.NewRotatedEvent(p.Rotation))
		}
		r.events = append(r.events, progression.NewPromotedEvent(p))
		metrics.Engine().ObservePromotion(p.Program.String())
		if p.FromSlot != p.ToSlot {
			r.promos = append(r.promos, p)
		}
	}
	for _, c := range progress.Capped {
		r.result.Capped = append(r.result.Capped, c)
		r.events = append(r.events, progression.NewCappedEvent(c))
	}
	return nil
}

// drain settles the worklist: slot-advancing promotions become activations
// and re-enter routing, credited reserves get upgrade checks in (owner,
// slot) order, and fired upgrades feed back until nothing moves.
func (e *Engine) drain(ctx context.Context, tx *gorm.DB, r *run) error {
	for {
		r.steps++
		if r.steps > maxWorklistSteps {
			return fmt.Errorf("engine: worklist did not converge after %d steps", maxWorklistSteps)
		}

		if len(r.promos) > 0 {
			p := r.promos[0]
			r.promos = r.promos[1:]
			if err := e.recordPromotion(ctx, tx, r, p); err != nil {
				return err
			}
			continue
		}
		if len(r.credits) == 0 {
			return nil
		}

		sort.Slice(r.credits, func(i, j int) bool {
			if r.credits[i].owner != r.credits[j].owner {
				return r.credits[i].owner < r.credits[j].owner
			}
			return r.credits[i].slot < r.credits[j].slot
		})
		key := r.credits[0]
		r.credits = r.credits[1:]

		out, err := e.trigger.Check(ctx, tx, key.owner, r.program, key.slot, r.rootRef)
		if err != nil {
			return err
		}
		switch out.Status {
		case upgrade.StatusUpgraded:
			r.result.AutoUpgrades = append(r.result.AutoUpgrades, out)
			r.events = append(r.events, placement.NewCreatedEvent(out.Placement), upgrade.NewFiredEvent(out))
			if out.Debit != nil {
				r.events = append(r.events, reserve.NewDebitedEvent(out.Debit))
			}
			metrics.Engine().ObserveUpgrade(r.program.String())
			if err := e.absorbProgress(r, out.Progress); err != nil {
				return err
			}
			if _, err := e.routeActivation(ctx, tx, r, out.Activation, out.Placement, out.Price); err != nil {
				return err
			}
		case upgrade.StatusBlocked:
			if out.Reason == upgrade.ReasonPriceUnavailable {
				e.log.LogAttrs(ctx, slog.LevelError, "auto-upgrade blocked by catalog hole",
					slog.String("owner", out.Owner),
					slog.String("program", r.program.String()),
					slog.Int("slot", out.Slot),
				)
				r.events = append(r.events, upgrade.NewBlockedEvent(out))
			}
		}
	}
}

// recordPromotion turns a slot-advancing promotion into an activation and
// routes it. Owners that already activated the destination slot are skipped.
func (e *Engine) recordPromotion(ctx context.Context, tx *gorm.DB, r *run, p *progression.Promotion) error {
	exists, err := activationExists(tx, p.Participant, r.program, p.ToSlot)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	price, err := e.catalog.Price(r.program, p.ToSlot)
	if err != nil {
		return err
	}
	activation := &storage.Activation{
		Ref:         identity.ActivationRef(p.Participant, r.program.String(), p.ToSlot, "promotion:"+r.rootRef),
		Participant: p.Participant,
		Program:     r.program.String(),
		Slot:        p.ToSlot,
		Kind:        storage.ActivationPromotion,
		Amount:      storage.FormatAmount(price),
		TxRef:       r.rootRef,
		PlacementID: p.NewPlacement.ID,
		CreatedAt:   e.now().UTC(),
	}
	if err := tx.Create(activation).Error; err != nil {
		return err
	}
	_, err = e.routeActivation(ctx, tx, r, activation, p.NewPlacement, price)
	return err
}

// replayResult rebuilds the stored outcome of a previously committed
// activation: its placement, routing decision and auto-upgrades. Structural
// promotion details live in the event stream, not the replay.
func (e *Engine) replayResult(tx *gorm.DB, activation *storage.Activation) (*ActivationResult, error) {
	result := &ActivationResult{Replayed: true, Activation: activation}

	var row storage.Placement
	if err := tx.First(&row, "id = ?", activation.PlacementID).Error; err != nil {
		return nil, err
	}
	result.Placement = &row

	decision, err := cascade.DecisionByRef(tx, activation.Ref)
	if err != nil {
		return nil, err
	}
	result.Route = decision

	var autos []storage.Activation
	err = tx.Where("tx_ref = ? AND kind = ?", activation.Ref, storage.ActivationAuto).
		Order("created_at asc").
		Find(&autos).Error
	if err != nil {
		return nil, err
	}
	for i := range autos {
		auto := autos[i]
		var dest storage.Placement
		if err := tx.First(&dest, "id = ?", auto.PlacementID).Error; err != nil {
			return nil, err
		}
		amount, err := storage.ParseAmount(auto.Amount)
		if err != nil {
			return nil, err
		}
		result.AutoUpgrades = append(result.AutoUpgrades, &upgrade.Outcome{
			Status:     upgrade.StatusUpgraded,
			Owner:      auto.Participant,
			Program:    plan.Program(auto.Program),
			Slot:       auto.Slot,
			Price:      amount,
			Activation: &auto,
			Placement:  &dest,
		})
	}
	return result, nil
}

func (e *Engine) emit(batch []events.Event) {
	if len(batch) == 0 {
		return
	}
	for _, evt := range batch {
		e.emitter.Emit(evt)
	}
}

func activationByRef(tx *gorm.DB, ref string) (*storage.Activation, error) {
	var row storage.Activation
	err := tx.Where("ref = ?", ref).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func activationExists(tx *gorm.DB, owner string, program plan.Program, slot int) (bool, error) {
	var count int64
	err := tx.Model(&storage.Activation{}).
		Where("participant = ? AND program = ? AND slot = ?", owner, program.String(), slot).
		Count(&count).Error
	return count > 0, err
}
