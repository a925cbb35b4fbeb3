package escrow

import "context"

// Store is the authoritative container of deposits and their slots.
//
// Create, Update and Delete are units of work: fn receives a private copy
// of the entry and the store persists its result only when fn returns nil.
// The ctx handed to fn carries the store's transaction, so ledger writes
// made through it commit or roll back with the entry.
// Implementations serialize units of work touching the same task and never
// expose a partially applied entry to readers.
type Store interface {
	// Create fails with ErrDuplicateTask when the task id is taken.
	Create(ctx context.Context, e *Entry, fn func(context.Context, *Entry) error) error
	// Update fails with ErrNotFound when the task is absent.
	Update(ctx context.Context, id TaskID, fn func(context.Context, *Entry) error) error
	// Delete removes the task and all its slots once fn approves.
	Delete(ctx context.Context, id TaskID, fn func(context.Context, *Entry) error) error
	Get(ctx context.Context, id TaskID) (*Entry, error)
	List(ctx context.Context, f Filter) ([]Deposit, error)
}

// RoleStore persists the administrative identity set.
type RoleStore interface {
	// LoadRoles returns ErrNotFound before the first SaveRoles.
	LoadRoles(ctx context.Context) (Roles, error)
	SaveRoles(ctx context.Context, r Roles) error
}
