package escrow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Policy decides which caller may invoke which operation. The owner is
// always an admin; further admins are granted by the owner.
type Policy struct {
	// wmu serializes role changes; mu guards the in-memory view and is
	// never held while the RoleStore is called.
	wmu    sync.Mutex
	mu     sync.RWMutex
	store  RoleStore
	owner  common.Address
	admins map[common.Address]struct{}
}

// NewPolicy loads the persisted role set, seeding it on first start.
func NewPolicy(ctx context.Context, store RoleStore, seed Roles) (*Policy, error) {
	roles, err := store.LoadRoles(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		if seed.Owner == (common.Address{}) {
			return nil, fmt.Errorf("%w: owner is required", ErrInvalidParams)
		}
		if err := store.SaveRoles(ctx, seed); err != nil {
			return nil, fmt.Errorf("seed roles: %w", err)
		}
		roles = seed
	case err != nil:
		return nil, fmt.Errorf("load roles: %w", err)
	}
	p := &Policy{store: store}
	p.apply(roles)
	return p, nil
}

func (p *Policy) apply(r Roles) {
	p.owner = r.Owner
	p.admins = make(map[common.Address]struct{}, len(r.Admins))
	for _, a := range r.Admins {
		p.admins[a] = struct{}{}
	}
}

// Roles returns a snapshot of the role set.
func (p *Policy) Roles() Roles {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot()
}

func (p *Policy) snapshot() Roles {
	r := Roles{Owner: p.owner, Admins: make([]common.Address, 0, len(p.admins))}
	for a := range p.admins {
		r.Admins = append(r.Admins, a)
	}
	sortAddresses(r.Admins)
	return r
}

// Owner returns the current owner.
func (p *Policy) Owner() common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner
}

// IsAdmin reports whether who holds administrative rights.
func (p *Policy) IsAdmin(who common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if who == p.owner {
		return true
	}
	_, ok := p.admins[who]
	return ok
}

func (p *Policy) requireAdmin(op string, caller common.Address) error {
	if !p.IsAdmin(caller) {
		return opErr(op, ErrUnauthorized, "caller is not an admin")
	}
	return nil
}

func (p *Policy) requireDepositor(op string, caller common.Address, d *Deposit) error {
	if caller == d.Depositor || p.IsAdmin(caller) {
		return nil
	}
	return opErr(op, ErrUnauthorized, "caller is not the depositor or an admin")
}

// requireRecipient admits only the slot's own recipient; admins have no override.
func (p *Policy) requireRecipient(op string, caller common.Address, s *RecipientSlot) error {
	if caller != s.Recipient {
		return opErr(op, ErrUnauthorized, "caller is not the recipient")
	}
	return nil
}

// mutate persists next before making it visible.
func (p *Policy) mutate(ctx context.Context, change func(r *Roles) error) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	next := p.Roles()
	if err := change(&next); err != nil {
		return err
	}
	if err := p.store.SaveRoles(ctx, next); err != nil {
		return fmt.Errorf("save roles: %w", err)
	}
	p.mu.Lock()
	p.apply(next)
	p.mu.Unlock()
	return nil
}

func sortAddresses(as []common.Address) {
	slices.SortFunc(as, func(a, b common.Address) int { return a.Cmp(b) })
}
