package events

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/common/errors"
	"github.com/veloxpay/sentinel/internal/clock"
)

// Deduper tracks recently seen (tenant, event_id) pairs with a fixed
// per-tenant capacity. The durable marker lives in the audit log; this set
// covers the hot path between restarts.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	tenants  map[string]*dedupeRing
}

type dedupeRing struct {
	ids   map[string]struct{}
	order []string
	next  int
}

// NewDeduper creates a deduper holding up to capacity ids per tenant.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = 100000
	}
	return &Deduper{
		capacity: capacity,
		tenants:  make(map[string]*dedupeRing),
	}
}

// Seen reports whether the event id was already admitted for the tenant.
func (d *Deduper) Seen(tenantID, eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.tenants[tenantID]
	if !ok {
		return false
	}
	_, seen := ring.ids[eventID]
	return seen
}

// Mark records the event id, evicting the oldest entry at capacity.
func (d *Deduper) Mark(tenantID, eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.tenants[tenantID]
	if !ok {
		ring = &dedupeRing{
			ids:   make(map[string]struct{}, d.capacity),
			order: make([]string, d.capacity),
		}
		d.tenants[tenantID] = ring
	}
	if _, dup := ring.ids[eventID]; dup {
		return
	}
	if old := ring.order[ring.next]; old != "" {
		delete(ring.ids, old)
	}
	ring.order[ring.next] = eventID
	ring.next = (ring.next + 1) % d.capacity
	ring.ids[eventID] = struct{}{}
}

// Unmark forgets an event id so the producer's retry is not refused as a
// duplicate. Used when the event could not be made durable after Accept.
func (d *Deduper) Unmark(tenantID, eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.tenants[tenantID]
	if !ok {
		return
	}
	if _, seen := ring.ids[eventID]; !seen {
		return
	}
	delete(ring.ids, eventID)
	for i, id := range ring.order {
		if id == eventID {
			ring.order[i] = ""
			break
		}
	}
}

// Restore reloads ids recovered from the audit log after a restart.
func (d *Deduper) Restore(tenantID string, eventIDs []string) {
	for _, id := range eventIDs {
		d.Mark(tenantID, id)
	}
}

// Known returns the currently tracked ids for a tenant, for snapshotting.
func (d *Deduper) Known(tenantID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.tenants[tenantID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ring.ids))
	for id := range ring.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Intake validates and deduplicates inbound events. Ordering is enforced
// downstream by the per-subject reorder buffer.
type Intake struct {
	logger *zap.Logger
	clock  clock.Clock
	dedupe *Deduper
}

// NewIntake creates the intake stage.
func NewIntake(logger *zap.Logger, clk clock.Clock, dedupe *Deduper) *Intake {
	if clk == nil {
		clk = clock.System()
	}
	return &Intake{logger: logger, clock: clk, dedupe: dedupe}
}

// Accept validates the event and checks for duplicates. On success the event
// is marked seen and its ReceivedAt is stamped if absent. DUPLICATE is a
// non-error outcome surfaced as a coded error so callers can branch on it.
func (in *Intake) Accept(ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if in.dedupe.Seen(ev.TenantID, ev.EventID) {
		return errors.Newf(errors.CodeDuplicate, "event %s already processed", ev.EventID)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = in.clock.Now()
	}
	in.dedupe.Mark(ev.TenantID, ev.EventID)
	return nil
}

// Deduper exposes the underlying dedupe set for recovery.
func (in *Intake) Deduper() *Deduper { return in.dedupe }

// held is an event waiting in the reorder buffer.
type held struct {
	ev       *Event
	bufferAt time.Time
}

// ReorderBuffer holds a subject's out-of-order events for up to the window
// before releasing them as late. Events are always released in occurred_at
// order; an event that arrives in order passes through immediately.
type ReorderBuffer struct {
	mu           sync.Mutex
	window       time.Duration
	pending      []held
	lastReleased time.Time
}

// NewReorderBuffer creates a buffer with the given hold window.
func NewReorderBuffer(window time.Duration) *ReorderBuffer {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &ReorderBuffer{window: window}
}

// Push adds an event to the buffer.
func (b *ReorderBuffer) Push(ev *Event, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, held{ev: ev, bufferAt: now})
	sort.SliceStable(b.pending, func(i, j int) bool {
		return b.pending[i].ev.OccurredAt.Before(b.pending[j].ev.OccurredAt)
	})
}

// Ready returns events releasable at now, in occurred_at order, paired with
// a late flag. An event releases when it is in order relative to the last
// release, or once it has been held for the full window.
func (b *ReorderBuffer) Ready(now time.Time) []Release {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Release
	for len(b.pending) > 0 {
		head := b.pending[0]
		inOrder := !head.ev.OccurredAt.Before(b.lastReleased)
		expired := now.Sub(head.bufferAt) >= b.window
		if !inOrder && !expired {
			break
		}
		out = append(out, Release{Event: head.ev, Late: !inOrder})
		if inOrder {
			b.lastReleased = head.ev.OccurredAt
		}
		b.pending = b.pending[1:]
	}
	return out
}

// Flush releases everything immediately, preserving occurred_at order.
func (b *ReorderBuffer) Flush() []Release {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Release
	for _, h := range b.pending {
		late := h.ev.OccurredAt.Before(b.lastReleased)
		if !late {
			b.lastReleased = h.ev.OccurredAt
		}
		out = append(out, Release{Event: h.ev, Late: late})
	}
	b.pending = nil
	return out
}

// Len returns the number of buffered events.
func (b *ReorderBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Release is a buffered event ready for processing. Late events update
// counters but must not trigger velocity alerts on their own.
type Release struct {
	Event *Event
	Late  bool
}
