package gateways

import (
	"context"
	"sync"
	"time"
)

// RunLockMemory only guards against overlapping runs inside one process.
type RunLockMemory struct {
	mutex sync.Mutex
}

func NewRunLockMemory() *RunLockMemory {
	return &RunLockMemory{}
}

func (l *RunLockMemory) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	if !l.mutex.TryLock() {
		return nil, false, nil
	}
	return l.mutex.Unlock, true, nil
}
