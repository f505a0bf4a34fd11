package reserve

import (
	"strconv"

	"uptree/events"
	"uptree/storage"
)

const (
	EventTypeReserveCredited = "reserve.credited"
	EventTypeReserveDebited  = "reserve.debited"
)

// NewCreditedEvent returns the canonical payload for an applied credit.
func NewCreditedEvent(change *Change) events.Payload {
	return newEntryEvent(EventTypeReserveCredited, change)
}

// NewDebitedEvent returns the canonical payload for an applied debit.
func NewDebitedEvent(change *Change) events.Payload {
	return newEntryEvent(EventTypeReserveDebited, change)
}

func newEntryEvent(eventType string, change *Change) events.Payload {
	entry := change.Entry
	return events.Payload{
		Type: eventType,
		Attributes: map[string]string{
			"owner":   entry.Owner,
			"program": entry.Program,
			"slot":    strconv.Itoa(entry.Slot),
			"amount":  entry.Amount,
			"source":  entry.Source,
			"balance": storage.FormatAmount(change.Balance),
		},
	}
}
