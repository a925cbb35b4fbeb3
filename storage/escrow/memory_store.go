package escrow

import (
	"context"
	"slices"
	"sync"

	"github.com/humandao-org/EnergyContracts/core/escrow"
)

// MemoryStore holds deposits in memory. A single RWMutex serializes every
// unit of work so no reader observes a half-applied entry.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[escrow.TaskID]*escrow.Entry
	order   []escrow.TaskID
	roles   *escrow.Roles
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[escrow.TaskID]*escrow.Entry)}
}

func (s *MemoryStore) Create(ctx context.Context, e *escrow.Entry, fn func(context.Context, *escrow.Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := e.Deposit.TaskID
	if _, ok := s.entries[id]; ok {
		return escrow.ErrDuplicateTask
	}
	cp := e.Clone()
	if err := fn(ctx, cp); err != nil {
		return err
	}
	s.entries[id] = cp
	s.order = append(s.order, id)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id escrow.TaskID, fn func(context.Context, *escrow.Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[id]
	if !ok {
		return escrow.ErrNotFound
	}
	cp := cur.Clone()
	if err := fn(ctx, cp); err != nil {
		return err
	}
	s.entries[id] = cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id escrow.TaskID, fn func(context.Context, *escrow.Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[id]
	if !ok {
		return escrow.ErrNotFound
	}
	if err := fn(ctx, cur.Clone()); err != nil {
		return err
	}
	delete(s.entries, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id escrow.TaskID) (*escrow.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return e.Clone(), nil
}

// List returns matching deposits in creation order.
func (s *MemoryStore) List(ctx context.Context, f escrow.Filter) ([]escrow.Deposit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []escrow.Deposit
	skipped := 0
	for _, id := range s.order {
		d := s.entries[id].Deposit
		if !f.Match(d) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, d.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadRoles(ctx context.Context) (escrow.Roles, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Roles{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.roles == nil {
		return escrow.Roles{}, escrow.ErrNotFound
	}
	return cloneRoles(*s.roles), nil
}

func (s *MemoryStore) SaveRoles(ctx context.Context, r escrow.Roles) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneRoles(r)
	s.roles = &cp
	return nil
}

func cloneRoles(r escrow.Roles) escrow.Roles {
	r.Admins = slices.Clone(r.Admins)
	return r
}

var (
	_ escrow.Store     = (*MemoryStore)(nil)
	_ escrow.RoleStore = (*MemoryStore)(nil)
)
