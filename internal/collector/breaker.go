package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
)

// BreakerSource stops querying src after consecutive failures and probes it
// again once timeout has passed. While open, Enumerate fails fast with
// gobreaker.ErrOpenState.
type BreakerSource struct {
	src Source
	cb  *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps src. The breaker opens after failures consecutive
// errors.
func NewBreakerSource(name string, src Source, failures uint32, timeout time.Duration, logger *slog.Logger) *BreakerSource {
	return &BreakerSource{
		src: src,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("source circuit breaker state changed", "source", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *BreakerSource) Enumerate(ctx context.Context) ([]device.Report, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.src.Enumerate(ctx)
	})
	if err != nil {
		return nil, err
	}
	reports, _ := out.([]device.Report)
	return reports, nil
}
