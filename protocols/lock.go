package protocols

import (
	"context"
	"time"
)

// RunLock guards a periodic job so that a single instance runs it at a time.
// Acquire returns ok=false when another holder owns the lock.
type RunLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}
