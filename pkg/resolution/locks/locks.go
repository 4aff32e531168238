// Package locks provides per-key mutual exclusion for shipment updates.
// Redis is preferred for cross-host locking; Postgres advisory locks and an
// in-process keyed mutex are the fallbacks.
package locks

import (
	"context"
	"errors"
	"time"
)

// DefaultPollInterval is how often a blocked Acquire retries.
const DefaultPollInterval = 25 * time.Millisecond

// ErrNotHeld is returned when releasing or extending a lease that is no
// longer owned.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire blocks until the key is free or ctx is
// done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// ShipmentKey is the lock key for a normalized booking key.
func ShipmentKey(bookingKey string) string {
	return "shipment:" + bookingKey
}

// poll calls try until it succeeds, fails, or ctx is done.
func poll(ctx context.Context, interval time.Duration, try func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
