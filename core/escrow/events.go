package escrow

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a committed state change.
type EventType string

const (
	EventDepositCreated       EventType = "deposit_created"
	EventRecipientAdded       EventType = "recipient_added"
	EventRecipientRemoved     EventType = "recipient_removed"
	EventClaimableSet         EventType = "claimable_set"
	EventClaimed              EventType = "claimed"
	EventRefunded             EventType = "refunded"
	EventForceRefunded        EventType = "force_refunded"
	EventCompensated          EventType = "compensated"
	EventBudgetIncreased      EventType = "budget_increased"
	EventCapacityIncreased    EventType = "capacity_increased"
	EventPerClaimChanged      EventType = "per_claim_changed"
	EventDepositDeleted       EventType = "deposit_deleted"
	EventRefundFlagChanged    EventType = "refund_flag_changed"
	EventOwnershipTransferred EventType = "ownership_transferred"
	EventAdminGranted         EventType = "admin_granted"
	EventAdminRevoked         EventType = "admin_revoked"
)

// Event describes one committed change. Amount is the value that moved,
// or the new setting for configuration events.
type Event struct {
	Type        EventType      `json:"type"`
	TaskID      TaskID         `json:"task_id"`
	RecipientID RecipientID    `json:"recipient_id"`
	Account     common.Address `json:"account"`
	Amount      *big.Int       `json:"amount,omitempty"`
	Caller      common.Address `json:"caller"`
	At          time.Time      `json:"at"`
}

// Sink receives published events on the publisher's goroutine and must not block.
type Sink func(Event)

// Bus fans committed events out to sinks and keeps a bounded history.
type Bus struct {
	mu      sync.Mutex
	sinks   map[int]Sink
	next    int
	history []Event
	limit   int
}

// NewBus keeps up to historyLimit recent events.
func NewBus(historyLimit int) *Bus {
	return &Bus{sinks: make(map[int]Sink), limit: historyLimit}
}

// Subscribe registers sink and returns a function removing it.
func (b *Bus) Subscribe(sink Sink) (cancel func()) {
	if sink == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.sinks[id] = sink
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

// Publish forwards events in order to every sink.
func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	if b.limit > 0 {
		b.history = append(b.history, events...)
		if over := len(b.history) - b.limit; over > 0 {
			b.history = append([]Event(nil), b.history[over:]...)
		}
	}
	sinks := make([]Sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.Unlock()
	for _, evt := range events {
		for _, sink := range sinks {
			sink(evt)
		}
	}
}

// History returns up to n most recent events, oldest first. n <= 0 returns all.
func (b *Bus) History(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]Event(nil), h...)
}
