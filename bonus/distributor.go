// Package bonus hands amounts that leave the reserve plane to the external
// distribution service. Contributions and commissions are outbox messages so
// they commit atomically with the activation that produced them.
package bonus

import (
	"context"
	"time"

	"gorm.io/gorm"

	"uptree/engine/cascade"
	"uptree/outbox"
	"uptree/storage"
)

// Outbox topics consumed by the distribution service.
const (
	TopicPoolContribution = "pool.contribution"
	TopicCommission       = "commission.activation"
)

// PoolDistributor queues cascade shares for the bonus pools.
type PoolDistributor struct {
	now func() time.Time
}

// NewPoolDistributor returns an outbox-backed distributor.
func NewPoolDistributor(now func() time.Time) *PoolDistributor {
	if now == nil {
		now = time.Now
	}
	return &PoolDistributor{now: now}
}

type contributionMessage struct {
	ActivationRef string `json:"activationRef"`
	Participant   string `json:"participant"`
	Program       string `json:"program"`
	Slot          int    `json:"slot"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
}

// Contribute implements cascade.Distributor.
func (d *PoolDistributor) Contribute(_ context.Context, tx *gorm.DB, c cascade.Contribution) error {
	msg := contributionMessage{
		ActivationRef: c.ActivationRef,
		Participant:   c.Participant,
		Program:       c.Program.String(),
		Slot:          c.Slot,
		Amount:        storage.FormatAmount(c.Amount),
		Reason:        c.Reason,
	}
	_, err := outbox.Enqueue(tx, TopicPoolContribution, msg, "pool:"+c.ActivationRef, d.now())
	return err
}

type commissionMessage struct {
	ActivationRef string `json:"activationRef"`
	Participant   string `json:"participant"`
	Program       string `json:"program"`
	Slot          int    `json:"slot"`
	Amount        string `json:"amount"`
	Routed        string `json:"routed"`
	Remainder     string `json:"remainder"`
}

// EnqueueCommission forwards the non-routed remainder of an activation to
// the commission plane.
func EnqueueCommission(tx *gorm.DB, activation *storage.Activation, routed, remainder string, now time.Time) error {
	msg := commissionMessage{
		ActivationRef: activation.Ref,
		Participant:   activation.Participant,
		Program:       activation.Program,
		Slot:          activation.Slot,
		Amount:        activation.Amount,
		Routed:        routed,
		Remainder:     remainder,
	}
	_, err := outbox.Enqueue(tx, TopicCommission, msg, "commission:"+activation.Ref, now)
	return err
}
