// Package directory records which relay instance owns a tunnel id so that
// several relays behind one wildcard domain never accept the same id twice.
package directory

import (
	"context"
	"errors"
)

// ErrClaimed is returned when another instance already owns the id.
var ErrClaimed = errors.New("tunnel id claimed by another relay")

// ErrLost is returned by Refresh when some claims no longer belong to this instance.
var ErrLost = errors.New("tunnel claims lost")

type Directory interface {
	Claim(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	// Refresh extends the lifetime of claims this instance still holds.
	Refresh(ctx context.Context, ids []string) error
}

// Local is the single-instance directory. The registry already rejects
// duplicates inside one process, so every call succeeds.
type Local struct{}

func (Local) Claim(context.Context, string) error     { return nil }
func (Local) Release(context.Context, string) error   { return nil }
func (Local) Refresh(context.Context, []string) error { return nil }
