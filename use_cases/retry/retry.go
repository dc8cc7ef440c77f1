package retry

import (
	"context"
	"math"
	"time"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
}

type Func func() error

// WithBackoff runs operation again after an exponentially growing delay while it keeps
// failing with a retriable error. Any other error is returned at once. When the attempts
// run out, the last retriable error is returned.
func WithBackoff(ctx context.Context, operation Func, policy Policy, sleeper protocols.Sleeper) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastError error
	for i := 0; i < attempts; i++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !domain.IsRetriable(err) {
			return err
		}
		lastError = err
		if i == attempts-1 {
			break
		}

		delay := time.Duration(math.Pow(2, float64(i))) * policy.BaseDelay
		if err := sleeper.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastError
}
