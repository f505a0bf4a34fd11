package placement

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"uptree/plan"
	"uptree/storage"
)

func treeKey(program plan.Program, slot int, phase plan.Phase) string {
	return fmt.Sprintf("%s:%d:%s", program, slot, phase)
}

func activeKey(participant string, program plan.Program, slot int) string {
	return fmt.Sprintf("%s:%s:%d", participant, program, slot)
}

// lockRoot loads the tree root under a row lock, serialising all placement
// writes for the tree. A nil result means the tree is empty.
func lockRoot(tx *gorm.DB, program plan.Program, slot int, phase plan.Phase) (*storage.Placement, error) {
	var row storage.Placement
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("root_key = ?", treeKey(program, slot, phase)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ActiveByOwner returns the participant's active placement in the slot, or
// nil when none exists.
func ActiveByOwner(tx *gorm.DB, participant string, program plan.Program, slot int) (*storage.Placement, error) {
	var row storage.Placement
	err := tx.Where("active_key = ?", activeKey(participant, program, slot)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// activeInTree returns the participant's active placement within one
// (program, slot, phase) tree, or nil.
func activeInTree(tx *gorm.DB, participant string, program plan.Program, slot int, phase plan.Phase) (*storage.Placement, error) {
	var row storage.Placement
	err := tx.Where(
		"participant = ? AND program = ? AND slot = ? AND phase = ? AND active = ?",
		participant, program.String(), slot, phase.String(), true,
	).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ActiveChildren lists a node's active children in join order.
func ActiveChildren(tx *gorm.DB, parentID uuid.UUID) ([]*storage.Placement, error) {
	var rows []*storage.Placement
	err := tx.Where("parent_id = ? AND active = ?", parentID, true).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CountActiveChildren counts a node's active children.
func CountActiveChildren(tx *gorm.DB, parentID uuid.UUID) (int64, error) {
	var count int64
	err := tx.Model(&storage.Placement{}).
		Where("parent_id = ? AND active = ?", parentID, true).
		Count(&count).Error
	return count, err
}

// historicalChildCount counts every child ever created under the node,
// including deactivated rows. Sibling position ordinals continue from it.
func historicalChildCount(tx *gorm.DB, parentID uuid.UUID) (int64, error) {
	var count int64
	err := tx.Model(&storage.Placement{}).
		Where("parent_id = ?", parentID).
		Count(&count).Error
	return count, err
}

func byID(tx *gorm.DB, id uuid.UUID) (*storage.Placement, error) {
	var row storage.Placement
	if err := tx.First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// WalkUp follows placement parents for exactly the requested number of
// levels and returns the ancestor reached, or nil when the chain is shorter.
func WalkUp(tx *gorm.DB, from *storage.Placement, levels int) (*storage.Placement, error) {
	node := from
	seen := map[uuid.UUID]struct{}{from.ID: {}}
	for step := 0; step < levels; step++ {
		if node.ParentID == nil {
			return nil, nil
		}
		next, err := byID(tx, *node.ParentID)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[next.ID]; ok {
			return nil, fmt.Errorf("%w: parent cycle at %s", ErrTreeCorrupted, next.ID)
		}
		seen[next.ID] = struct{}{}
		node = next
	}
	return node, nil
}
