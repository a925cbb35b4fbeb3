package escrow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

func TestBus(t *testing.T) {
	bus := escrow.NewBus(2)
	var got []escrow.EventType
	cancel := bus.Subscribe(func(e escrow.Event) { got = append(got, e.Type) })

	bus.Publish(
		escrow.Event{Type: escrow.EventDepositCreated},
		escrow.Event{Type: escrow.EventRecipientAdded},
		escrow.Event{Type: escrow.EventClaimed},
	)
	assert.Equal(t, []escrow.EventType{escrow.EventDepositCreated, escrow.EventRecipientAdded, escrow.EventClaimed}, got)

	h := bus.History(0)
	if assert.Len(t, h, 2) {
		assert.Equal(t, escrow.EventRecipientAdded, h[0].Type)
		assert.Equal(t, escrow.EventClaimed, h[1].Type)
	}
	assert.Len(t, bus.History(1), 1)

	cancel()
	bus.Publish(escrow.Event{Type: escrow.EventRefunded})
	assert.Len(t, got, 3)
	assert.Equal(t, escrow.EventRefunded, bus.History(1)[0].Type)
}

func TestBusWithoutHistory(t *testing.T) {
	bus := escrow.NewBus(0)
	bus.Publish(escrow.Event{Type: escrow.EventClaimed})
	assert.Empty(t, bus.History(0))
	bus.Subscribe(nil)()
}
