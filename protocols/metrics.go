package protocols

import (
	"context"
	"time"
)

const (
	TriggerRelease = "release"
	TriggerExpiry  = "expiry"
)

type InventoryMetrics interface {
	ReservationsCreated(count int)
	ReservationsReleased(trigger string, count int)
	ReservationFailed(reason string)
	SweepCompleted(swept int, failed int, duration time.Duration)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}
