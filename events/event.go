// Package events carries structured state-change notifications from the
// placement engine to downstream subscribers (stream hub, metrics, tests).
package events

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Components that
// optionally expose events default to it.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload is the canonical wire shape of an engine event: a dotted type name
// plus flat string attributes. Engine packages build Payloads through their
// event constructors.
type Payload struct {
	Type       string
	Attributes map[string]string
}

// EventType implements the Event interface.
func (p Payload) EventType() string {
	return p.Type
}

// Attribute returns the named attribute or the empty string.
func (p Payload) Attribute(key string) string {
	if p.Attributes == nil {
		return ""
	}
	return p.Attributes[key]
}
