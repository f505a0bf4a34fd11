// Package placement implements the breadth-first placement resolver: the
// single writer of placement rows. It assigns every joining participant a
// parent in the target (program, slot, phase) tree, enforces capacity and
// single-root invariants, and owns the root-rotation primitive used by phase
// promotions.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"uptree/directory"
	"uptree/fault"
	"uptree/identity"
	"uptree/plan"
	"uptree/storage"
)

// escalationLimit bounds the upward walk along the referral chain when the
// referrer has no placement in the target tree.
const escalationLimit = 60

// maxChainDepth bounds parent-chain walks; a longer chain means the tree is
// corrupted.
const maxChainDepth = 10_000

// ErrTreeCorrupted reports a parent cycle or an implausibly deep chain.
var ErrTreeCorrupted = errors.New("placement: tree corrupted")

// Resolver places participants into trees. All methods must run inside the
// caller's transaction; the resolver locks the tree root row first, which
// serialises writers per tree.
type Resolver struct {
	directory directory.Directory
	anchor    identity.Address
	now       func() time.Time
}

// NewResolver constructs a resolver. The anchor is the well-known top-level
// account used as final fallback for joins without a usable referrer.
func NewResolver(dir directory.Directory, anchor identity.Address, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{directory: dir, anchor: anchor, now: now}
}

// ResolveInput names the tree and the joining participant.
type ResolveInput struct {
	Participant identity.Address
	Referrer    identity.Address
	Program     plan.Program
	Slot        int
	Phase       plan.Phase
}

func (in ResolveInput) validate() error {
	if !in.Program.Valid() {
		return fault.Validationf("program", "unknown program %q", in.Program)
	}
	if !plan.HasPhase(in.Program, in.Phase) {
		return fault.Validationf("phase", "program %s has no %s", in.Program, in.Phase)
	}
	if in.Slot < 1 || in.Slot > plan.MaxSlot(in.Program) {
		return fault.Validationf("slot", "slot %d outside 1..%d", in.Slot, plan.MaxSlot(in.Program))
	}
	if in.Participant.IsZero() {
		return fault.Validationf("participant", "address required")
	}
	if in.Participant == in.Referrer {
		return fault.Validationf("referrer", "self-parenting rejected")
	}
	return nil
}

// Resolve finds or creates the participant's placement in the target tree.
// The boolean reports whether a new row was created; re-invocations with the
// same arguments return the existing placement unchanged.
func (r *Resolver) Resolve(ctx context.Context, tx *gorm.DB, in ResolveInput) (*storage.Placement, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	// Idempotency: an active placement for (participant, program, slot)
	// short-circuits regardless of phase.
	existing, err := ActiveByOwner(tx, in.Participant.String(), in.Program, in.Slot)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	member, err := r.directory.Resolve(ctx, in.Participant)
	if err != nil {
		return nil, false, err
	}

	// Lock the tree root for update. Every placement write in the tree
	// passes through this lock, so child counts observed below are stable.
	root, err := lockRoot(tx, in.Program, in.Slot, in.Phase)
	if err != nil {
		return nil, false, err
	}
	if root == nil {
		created, err := r.insert(tx, in, nil, "")
		if err != nil {
			return nil, false, err
		}
		return created, true, nil
	}

	parent, upline, err := r.findParent(ctx, tx, in, root, member)
	if err != nil {
		return nil, false, err
	}
	if parent == nil {
		return nil, false, &fault.CapacityError{Program: in.Program.String(), Slot: in.Slot, Phase: in.Phase.String()}
	}
	if err := r.assertAcyclic(tx, parent); err != nil {
		return nil, false, err
	}
	created, err := r.insert(tx, in, parent, upline)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// findParent searches the referrer's subtree first, then escalates a bounded
// number of hops along the referral chain, then falls back to the whole tree
// from the root. Joins without a referrer search the anchor's subtree before
// the root.
func (r *Resolver) findParent(ctx context.Context, tx *gorm.DB, in ResolveInput, root *storage.Placement, member *directory.Member) (*storage.Placement, string, error) {
	referrer := in.Referrer
	if referrer.IsZero() {
		referrer = member.Referrer
	}
	if referrer.IsZero() {
		referrer = r.anchor
	}

	capacity, err := plan.Capacity(in.Program, in.Phase)
	if err != nil {
		return nil, "", err
	}

	visited := map[string]struct{}{}
	cursor := referrer
	for hop := 0; hop <= escalationLimit && !cursor.IsZero(); hop++ {
		key := cursor.String()
		if _, seen := visited[key]; seen {
			return nil, "", fmt.Errorf("%w: referral cycle at %s", ErrTreeCorrupted, key)
		}
		visited[key] = struct{}{}

		start, err := activeInTree(tx, key, in.Program, in.Slot, in.Phase)
		if err != nil {
			return nil, "", err
		}
		if start != nil {
			parent, err := bfs(tx, start, capacity)
			if err != nil {
				return nil, "", err
			}
			if parent != nil {
				return parent, referrerUpline(in, cursor, hop), nil
			}
		}

		ancestor, err := r.directory.Resolve(ctx, cursor)
		if err != nil {
			var notFound *fault.NotFoundError
			if errors.As(err, &notFound) {
				break
			}
			return nil, "", err
		}
		cursor = ancestor.Referrer
	}

	parent, err := bfs(tx, root, capacity)
	if err != nil {
		return nil, "", err
	}
	if parent == nil {
		return nil, "", nil
	}
	return parent, parent.Participant, nil
}

// referrerUpline records who the join counts toward: the direct referrer on
// a subtree hit, the escalated ancestor otherwise.
func referrerUpline(in ResolveInput, cursor identity.Address, hop int) string {
	if hop == 0 && !in.Referrer.IsZero() {
		return in.Referrer.String()
	}
	return cursor.String()
}

// bfs scans the subtree in creation order and returns the first node with
// free capacity.
func bfs(tx *gorm.DB, start *storage.Placement, capacity int) (*storage.Placement, error) {
	queue := []*storage.Placement{start}
	visited := map[uuid.UUID]struct{}{start.ID: {}}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		children, err := ActiveChildren(tx, node.ID)
		if err != nil {
			return nil, err
		}
		if len(children) < capacity {
			return node, nil
		}
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				return nil, fmt.Errorf("%w: placement cycle at %s", ErrTreeCorrupted, child.ID)
			}
			visited[child.ID] = struct{}{}
			queue = append(queue, child)
		}
	}
	return nil, nil
}

// assertAcyclic re-walks the prospective parent chain to the root before any
// write, rejecting self-ancestry and cycles.
func (r *Resolver) assertAcyclic(tx *gorm.DB, parent *storage.Placement) error {
	seen := map[uuid.UUID]struct{}{}
	node := parent
	for depth := 0; node != nil; depth++ {
		if depth > maxChainDepth {
			return fmt.Errorf("%w: chain deeper than %d", ErrTreeCorrupted, maxChainDepth)
		}
		if _, ok := seen[node.ID]; ok {
			return fmt.Errorf("%w: parent cycle at %s", ErrTreeCorrupted, node.ID)
		}
		seen[node.ID] = struct{}{}
		if node.ParentID == nil {
			return nil
		}
		next, err := byID(tx, *node.ParentID)
		if err != nil {
			return err
		}
		node = next
	}
	return nil
}

func (r *Resolver) insert(tx *gorm.DB, in ResolveInput, parent *storage.Placement, upline string) (*storage.Placement, error) {
	now := r.now().UTC()
	row := &storage.Placement{
		ID:          uuid.New(),
		Participant: in.Participant.String(),
		Program:     in.Program.String(),
		Slot:        in.Slot,
		Phase:       in.Phase.String(),
		Active:      true,
		CreatedAt:   now,
	}
	activeKey := activeKey(in.Participant.String(), in.Program, in.Slot)
	row.ActiveKey = &activeKey

	if parent == nil {
		rootKey := treeKey(in.Program, in.Slot, in.Phase)
		row.RootKey = &rootKey
		row.Level = 0
		row.Position = 1
	} else {
		ordinal, err := historicalChildCount(tx, parent.ID)
		if err != nil {
			return nil, err
		}
		row.ParentID = &parent.ID
		row.Level = parent.Level + 1
		row.Position = int(ordinal) + 1
		row.Upline = upline
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// Rotation reports the outcome of a root rotation.
type Rotation struct {
	OldRoot    *storage.Placement
	NewRoot    *storage.Placement
	Reparented []*storage.Placement
}

// Rotate retires the current root of the tree and re-anchors the earliest
// remaining member as the new root, re-parenting the rest under it in join
// order. The whole reshuffle happens inside the caller's transaction; the
// active member count of the tree shrinks by exactly one (the retired root).
func (r *Resolver) Rotate(ctx context.Context, tx *gorm.DB, program plan.Program, slot int, phase plan.Phase) (*Rotation, error) {
	root, err := lockRoot(tx, program, slot, phase)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fault.NotFound("tree root", treeKey(program, slot, phase))
	}
	children, err := ActiveChildren(tx, root.ID)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	if err := deactivate(tx, root, now); err != nil {
		return nil, err
	}
	rotation := &Rotation{OldRoot: root}
	if len(children) == 0 {
		return rotation, nil
	}

	newRoot := children[0]
	rootKey := treeKey(program, slot, phase)
	updates := map[string]any{
		"parent_id": nil,
		"level":     0,
		"position":  1,
		"upline":    "",
		"root_key":  rootKey,
	}
	if err := tx.Model(&storage.Placement{}).Where("id = ?", newRoot.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	newRoot.ParentID = nil
	newRoot.Level = 0
	newRoot.Position = 1
	newRoot.Upline = ""
	newRoot.RootKey = &rootKey
	rotation.NewRoot = newRoot

	ordinal, err := historicalChildCount(tx, newRoot.ID)
	if err != nil {
		return nil, err
	}
	for _, sibling := range children[1:] {
		ordinal++
		moves := map[string]any{
			"parent_id": newRoot.ID,
			"level":     1,
			"position":  ordinal,
			"upline":    newRoot.Participant,
		}
		if err := tx.Model(&storage.Placement{}).Where("id = ?", sibling.ID).Updates(moves).Error; err != nil {
			return nil, err
		}
		sibling.ParentID = &newRoot.ID
		sibling.Level = 1
		sibling.Position = int(ordinal)
		sibling.Upline = newRoot.Participant
		rotation.Reparented = append(rotation.Reparented, sibling)
	}

	if err := recomputeLevels(tx, newRoot); err != nil {
		return nil, err
	}
	return rotation, nil
}

// Deactivate retires a placement outside of rotation, used when a promoted
// member leaves a non-root tree position.
func (r *Resolver) Deactivate(ctx context.Context, tx *gorm.DB, row *storage.Placement) error {
	return deactivate(tx, row, r.now().UTC())
}

func deactivate(tx *gorm.DB, row *storage.Placement, at time.Time) error {
	updates := map[string]any{
		"active":         false,
		"deactivated_at": at,
		"root_key":       nil,
		"active_key":     nil,
	}
	if err := tx.Model(&storage.Placement{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return err
	}
	row.Active = false
	row.DeactivatedAt = &at
	row.RootKey = nil
	row.ActiveKey = nil
	return nil
}

// recomputeLevels rewrites depth values for the whole subtree after a
// rotation shifted its root.
func recomputeLevels(tx *gorm.DB, root *storage.Placement) error {
	queue := []*storage.Placement{root}
	guard := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if guard++; guard > maxChainDepth {
			return fmt.Errorf("%w: subtree larger than %d", ErrTreeCorrupted, maxChainDepth)
		}
		children, err := ActiveChildren(tx, node.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Level != node.Level+1 {
				if err := tx.Model(&storage.Placement{}).Where("id = ?", child.ID).Update("level", node.Level+1).Error; err != nil {
					return err
				}
				child.Level = node.Level + 1
			}
			queue = append(queue, child)
		}
	}
	return nil
}
