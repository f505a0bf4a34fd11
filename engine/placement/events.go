package placement

import (
	"strconv"

	"uptree/events"
	"uptree/storage"
)

const (
	EventTypePlacementCreated = "placement.created"
	EventTypePlacementRotated = "placement.rotated"
)

// NewCreatedEvent returns the canonical payload for a freshly created
// placement.
func NewCreatedEvent(p *storage.Placement) events.Payload {
	attrs := map[string]string{
		"participant": p.Participant,
		"program":     p.Program,
		"slot":        strconv.Itoa(p.Slot),
		"phase":       p.Phase,
		"level":       strconv.Itoa(p.Level),
		"position":    strconv.Itoa(p.Position),
	}
	if p.ParentID != nil {
		attrs["parent"] = p.ParentID.String()
	}
	if p.Upline != "" {
		attrs["upline"] = p.Upline
	}
	return events.Payload{Type: EventTypePlacementCreated, Attributes: attrs}
}

// NewRotatedEvent returns the canonical payload emitted after a root
// rotation.
func NewRotatedEvent(rotation *Rotation) events.Payload {
	attrs := map[string]string{
		"program":    rotation.OldRoot.Program,
		"slot":       strconv.Itoa(rotation.OldRoot.Slot),
		"phase":      rotation.OldRoot.Phase,
		"oldRoot":    rotation.OldRoot.Participant,
		"reparented": strconv.Itoa(len(rotation.Reparented)),
	}
	if rotation.NewRoot != nil {
		attrs["newRoot"] = rotation.NewRoot.Participant
	}
	return events.Payload{Type: EventTypePlacementRotated, Attributes: attrs}
}
