package upgrade

import (
	"strconv"

	"uptree/events"
)

const (
	// EventTypeFired reports a reserve-funded slot activation.
	EventTypeFired = "upgrade.fired"
	// EventTypeBlocked reports a check stopped by a structural gate. The
	// insufficient-funds outcome is not an event.
	EventTypeBlocked = "upgrade.blocked"
)

// NewFiredEvent reports a completed auto-upgrade.
func NewFiredEvent(out *Outcome) events.Payload {
	return events.Payload{Type: EventTypeFired, Attributes: map[string]string{
		"participant":   out.Owner,
		"program":       out.Program.String(),
		"slot":          strconv.Itoa(out.Slot),
		"price":         out.Price.String(),
		"activationRef": out.Activation.Ref,
	}}
}

// NewBlockedEvent reports a blocked check and its reason.
func NewBlockedEvent(out *Outcome) events.Payload {
	return events.Payload{Type: EventTypeBlocked, Attributes: map[string]string{
		"participant": out.Owner,
		"program":     out.Program.String(),
		"slot":        strconv.Itoa(out.Slot),
		"reason":      out.Reason,
	}}
}
