package progression

import (
	"strconv"

	"uptree/events"
	"uptree/storage"
)

const (
	// EventTypePromoted fires when a filled phase moves a root onward.
	EventTypePromoted = "progression.promoted"
	// EventTypeCapped fires when the final phase fills at the top slot.
	EventTypeCapped = "progression.capped"
)

// NewPromotedEvent reports a completed phase transition.
func NewPromotedEvent(p *Promotion) events.Payload {
	attrs := map[string]string{
		"participant": p.Participant,
		"program":     p.Program.String(),
		"fromSlot":    strconv.Itoa(p.FromSlot),
		"fromPhase":   p.FromPhase.String(),
		"toSlot":      strconv.Itoa(p.ToSlot),
		"toPhase":     p.ToPhase.String(),
	}
	if p.ReserveApplied != nil && p.ReserveApplied.Sign() > 0 {
		attrs["reserveApplied"] = p.ReserveApplied.String()
	}
	if p.Rotation != nil && p.Rotation.NewRoot != nil {
		attrs["newRoot"] = p.Rotation.NewRoot.Participant
	}
	return events.Payload{Type: EventTypePromoted, Attributes: attrs}
}

// NewCappedEvent reports a terminal phase completion.
func NewCappedEvent(root *storage.Placement) events.Payload {
	return events.Payload{Type: EventTypeCapped, Attributes: map[string]string{
		"participant": root.Participant,
		"program":     root.Program,
		"slot":        strconv.Itoa(root.Slot),
	}}
}
