package escrow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "capacity_exceeded", Kind(opErr("add_recipient", ErrCapacityExceeded, "full")))
	assert.Equal(t, "invalid_params", Kind(fmt.Errorf("%w: nonce", ErrInvalidParams)))
	assert.Equal(t, "not_found", Kind(ErrNotFound))
	assert.Empty(t, Kind(errors.New("boom")))
	assert.Empty(t, Kind(nil))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "full", Reason(opErr("add_recipient", ErrCapacityExceeded, "full")))
	assert.Equal(t, "not found", Reason(ErrNotFound))
	assert.Empty(t, Reason(nil))
	assert.Equal(t, "add_recipient: capacity exceeded: full", opErr("add_recipient", ErrCapacityExceeded, "full").Error())
}
