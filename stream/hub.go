// Package stream fans committed engine events out to live subscribers.
// Every published event gets a monotonic sequence number and a string
// cursor; the hub keeps a bounded in-memory history for fast resume and an
// optional journal extends replay across process restarts.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"uptree/events"
	"uptree/observability"
)

const (
	defaultHistoryLimit = 2048
	subscriberBuffer    = 32
)

// Entry is one event as seen by stream consumers.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

func cloneEntry(entry Entry) Entry {
	cloned := entry
	if len(entry.Attributes) > 0 {
		attrs := make(map[string]string, len(entry.Attributes))
		for k, v := range entry.Attributes {
			attrs[k] = v
		}
		cloned.Attributes = attrs
	}
	return cloned
}

// Hub is the in-process event broadcaster. It satisfies events.Emitter so
// the engine can hand committed events straight to it.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Entry
	history []Entry
	limit   int
	journal *Journal
	log     *slog.Logger
	now     func() time.Time
}

// Options configures the hub.
type Options struct {
	// HistoryLimit bounds the in-memory replay window; defaults to 2048.
	HistoryLimit int
	// Journal, when set, persists every entry and serves cursors older than
	// the in-memory window. The hub resumes sequence numbering from it.
	Journal *Journal
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewHub builds a hub, resuming the sequence counter from the journal when
// one is attached.
func NewHub(opts Options) (*Hub, error) {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	hub := &Hub{
		subs:    make(map[uint64]chan Entry),
		limit:   limit,
		journal: opts.Journal,
		log:     logger,
		now:     now,
	}
	if opts.Journal != nil {
		last, err := opts.Journal.LastSequence()
		if err != nil {
			return nil, err
		}
		hub.seq = last
	}
	return hub, nil
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	var attrs map[string]string
	if payload, ok := evt.(events.Payload); ok {
		attrs = payload.Attributes
	}
	h.Publish(evt.EventType(), attrs)
}

// Publish assigns the next sequence number, journals the entry, and fans it
// out without blocking. Slow subscribers miss entries and recover them
// through their cursor on the next resume.
func (h *Hub) Publish(eventType string, attributes map[string]string) Entry {
	h.mu.Lock()
	h.seq++
	entry := Entry{
		Sequence:  h.seq,
		Cursor:    strconv.FormatUint(h.seq, 10),
		Type:      eventType,
		EmittedAt: h.now().UTC(),
	}
	if len(attributes) > 0 {
		attrs := make(map[string]string, len(attributes))
		for k, v := range attributes {
			attrs[k] = v
		}
		entry.Attributes = attrs
	}

	// The journal write stays under the lock so file order matches sequence
	// order.
	if h.journal != nil {
		if err := h.journal.Append(entry); err != nil {
			h.log.Error("journal append failed", "error", err, "sequence", entry.Sequence)
		}
	}

	h.history = append(h.history, entry)
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]Entry, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	subscribers := make([]chan Entry, 0, len(h.subs))
	for _, ch := range h.subs {
		subscribers = append(subscribers, ch)
	}
	h.mu.Unlock()

	observability.Events().RecordEvent(eventType)
	broadcast := cloneEntry(entry)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
			observability.Events().RecordDropped()
		}
	}
	return entry
}

// Subscribe registers a consumer for entries after the supplied cursor. The
// returned backlog covers the gap between the cursor and now; new entries
// arrive on the channel. Call cancel (or cancel the context) to release the
// subscription.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Entry, func(), []Entry, error) {
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, err
		}
		since = parsed
	}

	updates := make(chan Entry, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	live := len(h.subs)
	seq := h.seq
	history := make([]Entry, len(h.history))
	copy(history, h.history)
	h.mu.Unlock()
	observability.Events().SetSubscribers(live)

	backlog, err := h.backlog(history, seq, since)
	if err != nil {
		h.remove(id)
		return nil, nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(id) })
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog, nil
}

// backlog assembles the replay set: journal rows for the stretch that fell
// out of memory (all of it after a restart), then the retained in-memory
// tail.
func (h *Hub) backlog(history []Entry, seq, since uint64) ([]Entry, error) {
	out := make([]Entry, 0, len(history))
	memoryStart := seq + 1
	if len(history) > 0 {
		memoryStart = history[0].Sequence
	}
	if h.journal != nil && since+1 < memoryStart {
		older, err := h.journal.ReadSince(since, int(memoryStart-since-1))
		if err != nil {
			return nil, err
		}
		out = append(out, older...)
	}
	for _, entry := range history {
		if entry.Sequence > since {
			out = append(out, cloneEntry(entry))
		}
	}
	return out, nil
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(sub)
	}
	live := len(h.subs)
	h.mu.Unlock()
	if ok {
		observability.Events().SetSubscribers(live)
	}
}

// SubscriberCount reports live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber. Pending entries already in channel buffers
// remain readable.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
	h.mu.Unlock()
	observability.Events().SetSubscribers(0)
}
