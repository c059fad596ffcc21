// Package coordination elects the replica that runs the scheduling roles:
// queue worker, janitor, outbox reconciler and the daily tick. Exactly one
// replica should own those at a time; the rest serve HTTP only.
package coordination

import (
	"context"
	"time"
)

// Coordinator grants time-bound leases on a shared key. Renew and release are
// conditional on the holder's value, so a node whose lease expired cannot
// touch a lease another node took over.
type Coordinator interface {
	// AcquireLease claims the key if it is free. Returns false when another
	// holder owns it.
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL if the stored value still matches.
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes the key if the stored value still matches.
	ReleaseLease(ctx context.Context, key, value string) error
}
