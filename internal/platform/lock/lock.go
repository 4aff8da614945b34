// Package lock provides lease-based mutual exclusion across replicas. A lock
// is held until it is released or its lease runs out, whichever comes first.
package lock

import (
	"context"
	"time"
)

// Handle is proof of a held lock. Token identifies this holder and is what
// Release compares against, so a holder whose lease expired cannot release
// the lock of the replica that took over.
type Handle struct {
	Name       string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease ended at or before now.
func (h *Handle) Expired(now time.Time) bool {
	return h == nil || !now.Before(h.ExpiresAt)
}

// Locker hands out named leases. TryAcquire never blocks on contention: it
// returns a nil handle and nil error when another holder owns the lock.
type Locker interface {
	TryAcquire(ctx context.Context, name string, lease time.Duration) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}
