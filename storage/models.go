package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reserve entry directions.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// Activation kinds.
const (
	ActivationJoin      = "join"
	ActivationManual    = "manual"
	ActivationAuto      = "auto"
	ActivationPromotion = "promotion"
)

// Outbox statuses.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxAbandoned = "abandoned"
)

// Participant stores directory registrations. Addresses are bech32 "upt"
// strings derived from the external subject.
type Participant struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Address         string    `gorm:"size:64;uniqueIndex"`
	Subject         string    `gorm:"size:128;uniqueIndex"`
	Handle          *string   `gorm:"size:64;uniqueIndex"`
	ReferrerAddress string    `gorm:"size:64;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Placement is one node of a (program, slot, phase) tree. Rows are written
// only by the placement resolver; deactivated rows are kept for audit and
// historical sibling ordinals.
//
// RootKey and ActiveKey are uniqueness guards, set while the row is the tree
// root or an active placement and cleared on deactivation. The database
// enforces one root per tree and one active placement per (participant,
// program, slot) regardless of interleaving.
type Placement struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Participant   string     `gorm:"size:64;index:idx_placement_owner"`
	Program       string     `gorm:"size:16;index:idx_placement_tree,priority:1"`
	Slot          int        `gorm:"index:idx_placement_tree,priority:2"`
	Phase         string     `gorm:"size:8;index:idx_placement_tree,priority:3"`
	ParentID      *uuid.UUID `gorm:"type:uuid;index"`
	Upline        string     `gorm:"size:64"`
	Level         int
	Position      int
	Active        bool    `gorm:"index:idx_placement_tree,priority:4"`
	RootKey       *string `gorm:"size:64;uniqueIndex"`
	ActiveKey     *string `gorm:"size:128;uniqueIndex"`
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// PhaseProgression tracks a participant's frontier through a program ladder:
// current slot and phase, the member counter of their frontier placement,
// and the reserve-funded readiness of the next slot.
type PhaseProgression struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Participant    string    `gorm:"size:64;uniqueIndex:idx_progression_owner,priority:1"`
	Program        string    `gorm:"size:16;uniqueIndex:idx_progression_owner,priority:2"`
	CurrentSlot    int
	CurrentPhase   string `gorm:"size:8"`
	PhaseMembers   int
	PhaseRequired  int
	ReservedAmount string `gorm:"size:78;default:0"`
	Ready          bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReserveEntry is one immutable row of the append-only reserve ledger. The
// source/direction pair is unique per reserve so replayed routing decisions
// cannot apply twice.
type ReserveEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Owner     string    `gorm:"size:64;uniqueIndex:idx_reserve_source,priority:1"`
	Program   string    `gorm:"size:16;uniqueIndex:idx_reserve_source,priority:2"`
	Slot      int       `gorm:"uniqueIndex:idx_reserve_source,priority:3"`
	Direction string    `gorm:"size:8;uniqueIndex:idx_reserve_source,priority:4"`
	Source    string    `gorm:"size:128;uniqueIndex:idx_reserve_source,priority:5"`
	Amount    string    `gorm:"size:78"`
	CreatedAt time.Time
}

// ReserveBalance denormalises the entry sum per reserve. Updated in the same
// transaction as its entries; never negative.
type ReserveBalance struct {
	Owner     string `gorm:"primaryKey;size:64"`
	Program   string `gorm:"primaryKey;size:16"`
	Slot      int    `gorm:"primaryKey"`
	Balance   string `gorm:"size:78"`
	UpdatedAt time.Time
}

// Activation is the idempotency spine of the engine: one row per slot
// activation, keyed by the deterministic activation ref. A participant
// activates each (program, slot) exactly once.
type Activation struct {
	Ref         string    `gorm:"primaryKey;size:66"`
	Participant string    `gorm:"size:64;uniqueIndex:idx_activation_owner_slot,priority:1"`
	Program     string    `gorm:"size:16;uniqueIndex:idx_activation_owner_slot,priority:2"`
	Slot        int       `gorm:"uniqueIndex:idx_activation_owner_slot,priority:3"`
	Kind        string    `gorm:"size:16"`
	Amount      string    `gorm:"size:78"`
	TxRef       string    `gorm:"size:128;index"`
	PlacementID uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time
}

// RouteDecision records the cascade outcome of one activation.
type RouteDecision struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActivationRef string    `gorm:"size:66;uniqueIndex"`
	Program       string    `gorm:"size:16"`
	Slot          int
	Credited      bool
	Ancestor      string `gorm:"size:64"`
	CreditSlot    int
	Share         string `gorm:"size:78"`
	Pooled        string `gorm:"size:78"`
	CreatedAt     time.Time
}

// OutboxMessage queues an outbound notification written in the same
// transaction as the state change it reports. The dispatcher delivers it
// at-least-once; consumers dedupe on the idempotency key.
type OutboxMessage struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Topic          string    `gorm:"size:64;index"`
	Payload        string    `gorm:"type:text"`
	Fingerprint    string    `gorm:"size:64"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex"`
	Status         string    `gorm:"size:16;index:idx_outbox_due,priority:1"`
	Attempts       int
	NextAttemptAt  time.Time `gorm:"index:idx_outbox_due,priority:2"`
	LastError      string    `gorm:"size:512"`
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Participant{},
		&Placement{},
		&PhaseProgression{},
		&ReserveEntry{},
		&ReserveBalance{},
		&Activation{},
		&RouteDecision{},
		&OutboxMessage{},
	)
}
