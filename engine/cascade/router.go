// Package cascade routes activation costs. A fixed share of every activation
// either funds an ancestor's next-slot reserve or leaves the engine for the
// bonus pools; the decision is persisted next to the activation so replays
// observe the original outcome.
package cascade

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"uptree/engine/placement"
	"uptree/engine/reserve"
	"uptree/fault"
	"uptree/plan"
	"uptree/storage"
)

// Routing reasons recorded on decisions and pool contributions.
const (
	ReasonAncestor   = "ancestor"
	ReasonDepthZero  = "depth-zero"
	ReasonNoAncestor = "no-ancestor"
	ReasonPosition   = "position"
	ReasonTopSlot    = "top-slot"
)

// Contribution is a routed share that leaves the reserve plane for the
// external bonus pools.
type Contribution struct {
	ActivationRef string
	Participant   string
	Program       plan.Program
	Slot          int
	Amount        *big.Int
	Reason        string
}

// Distributor forwards pool contributions. Implementations must persist in
// the caller's transaction so routing and distribution commit together.
type Distributor interface {
	Contribute(ctx context.Context, tx *gorm.DB, c Contribution) error
}

// Router applies the cascade rules to activations.
type Router struct {
	ledger *reserve.Ledger
	pool   Distributor
	now    func() time.Time
}

// NewRouter wires the router to the reserve ledger and the pool distributor.
func NewRouter(ledger *reserve.Ledger, pool Distributor, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{ledger: ledger, pool: pool, now: now}
}

// Input describes one activation to route.
type Input struct {
	// Ref is the activation's deterministic reference; decisions are keyed
	// by it.
	Ref string
	// Placement is the activator's placement for the activated slot.
	Placement *storage.Placement
	// Cost is the catalog price paid for the activation.
	Cost *big.Int
}

// Decision is the routing outcome.
type Decision struct {
	Row      *storage.RouteDecision
	Credited bool
	// Ancestor and CreditSlot are set when the share funded a reserve.
	Ancestor   string
	CreditSlot int
	Share      *big.Int
	Pooled     *big.Int
	Reason     string
	// Credit is the ledger change behind a credited share.
	Credit *reserve.Change
	// Replayed reports that the decision was found rather than made.
	Replayed bool
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Ref) == "" {
		return fault.Validationf("ref", "activation ref required")
	}
	if in.Placement == nil {
		return fault.Validationf("placement", "placement required")
	}
	if in.Cost == nil || in.Cost.Sign() <= 0 {
		return fault.Validationf("cost", "activation cost must be positive")
	}
	return nil
}

// Route walks the cascade depth for the activator and either credits the
// reached ancestor's next-slot reserve or hands the share to the pools. One
// decision exists per activation ref; replays return the stored outcome.
func (r *Router) Route(ctx context.Context, tx *gorm.DB, in Input) (*Decision, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	program, err := plan.ParseProgram(in.Placement.Program)
	if err != nil {
		return nil, err
	}

	if prior, err := decisionByRef(tx, in.Ref); err != nil {
		return nil, err
	} else if prior != nil {
		return replayDecision(prior)
	}

	share := plan.RoutedShare(program, in.Cost)
	decision := &Decision{Share: big.NewInt(0), Pooled: big.NewInt(0)}

	ancestor, reason, err := r.pickAncestor(tx, program, in.Placement)
	if err != nil {
		return nil, err
	}
	decision.Reason = reason

	if ancestor != nil {
		decision.Credited = true
		decision.Ancestor = ancestor.Participant
		decision.CreditSlot = in.Placement.Slot + 1
		decision.Share = share
		if share.Sign() > 0 {
			change, err := r.ledger.Credit(ctx, tx, ancestor.Participant, program, decision.CreditSlot, share, cascadeSource(in.Ref))
			if err != nil {
				return nil, err
			}
			decision.Credit = change
		}
	} else {
		decision.Pooled = share
		if share.Sign() > 0 {
			contribution := Contribution{
				ActivationRef: in.Ref,
				Participant:   in.Placement.Participant,
				Program:       program,
				Slot:          in.Placement.Slot,
				Amount:        share,
				Reason:        reason,
			}
			if err := r.pool.Contribute(ctx, tx, contribution); err != nil {
				return nil, err
			}
		}
	}

	row := &storage.RouteDecision{
		ID:            uuid.New(),
		ActivationRef: in.Ref,
		Program:       program.String(),
		Slot:          in.Placement.Slot,
		Credited:      decision.Credited,
		Ancestor:      decision.Ancestor,
		CreditSlot:    decision.CreditSlot,
		Share:         storage.FormatAmount(decision.Share),
		Pooled:        storage.FormatAmount(decision.Pooled),
		CreatedAt:     r.now().UTC(),
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	decision.Row = row
	return decision, nil
}

// pickAncestor returns the reserve-credit target, or nil with the pool
// reason when the share must leave the engine.
func (r *Router) pickAncestor(tx *gorm.DB, program plan.Program, activator *storage.Placement) (*storage.Placement, string, error) {
	depth := plan.CascadeDepth(program)
	if depth == 0 {
		return nil, ReasonDepthZero, nil
	}
	if activator.Slot >= plan.MaxSlot(program) {
		// No next slot exists to fund.
		return nil, ReasonTopSlot, nil
	}
	ancestor, err := placement.WalkUp(tx, activator, depth)
	if err != nil {
		return nil, "", err
	}
	if ancestor == nil {
		return nil, ReasonNoAncestor, nil
	}
	// Only the first two historical sibling positions qualify.
	if activator.Position > 2 {
		return nil, ReasonPosition, nil
	}
	return ancestor, ReasonAncestor, nil
}

func cascadeSource(ref string) string {
	return "cascade:" + ref
}

// DecisionByRef returns the stored decision for an activation ref, or nil
// when the activation was never routed.
func DecisionByRef(tx *gorm.DB, ref string) (*Decision, error) {
	row, err := decisionByRef(tx, ref)
	if err != nil || row == nil {
		return nil, err
	}
	return replayDecision(row)
}

func decisionByRef(tx *gorm.DB, ref string) (*storage.RouteDecision, error) {
	var row storage.RouteDecision
	err := tx.Where("activation_ref = ?", ref).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func replayDecision(row *storage.RouteDecision) (*Decision, error) {
	share, err := storage.ParseAmount(row.Share)
	if err != nil {
		return nil, err
	}
	pooled, err := storage.ParseAmount(row.Pooled)
	if err != nil {
		return nil, err
	}
	return &Decision{
		Row:        row,
		Credited:   row.Credited,
		Ancestor:   row.Ancestor,
		CreditSlot: row.CreditSlot,
		Share:      share,
		Pooled:     pooled,
		Replayed:   true,
	}, nil
}
