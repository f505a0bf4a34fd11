package cascade

import (
	"strconv"

	"uptree/events"
)

const (
	// EventTypeRouted fires when the share funded an ancestor reserve.
	EventTypeRouted = "cascade.routed"
	// EventTypePooled fires when the share left for the bonus pools.
	EventTypePooled = "cascade.pooled"
)

// NewRoutedEvent reports a routing decision under the type matching its
// outcome.
func NewRoutedEvent(ref string, d *Decision) events.Payload {
	attrs := map[string]string{
		"activationRef": ref,
		"program":       d.Row.Program,
		"slot":          strconv.Itoa(d.Row.Slot),
		"reason":        d.Reason,
	}
	if d.Credited {
		attrs["ancestor"] = d.Ancestor
		attrs["creditSlot"] = strconv.Itoa(d.CreditSlot)
		attrs["share"] = d.Share.String()
		return events.Payload{Type: EventTypeRouted, Attributes: attrs}
	}
	attrs["pooled"] = d.Pooled.String()
	return events.Payload{Type: EventTypePooled, Attributes: attrs}
}
