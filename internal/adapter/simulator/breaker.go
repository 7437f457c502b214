package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"flutter-sim-mcp/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures BreakerSimulator.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration // open -> half-open
	Interval    time.Duration // closed-state count reset period
}

// BreakerSimulator wraps a domain.Simulator with a circuit breaker. Once
// simctl fails MaxFailures times in a row, calls fail fast until Timeout
// elapses and a probe succeeds.
//
// Shutdown and Delete bypass the breaker: teardown must always be attempted.
type BreakerSimulator struct {
	inner   domain.Simulator
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewBreakerSimulator wraps inner. Zero config fields take defaults.
func NewBreakerSimulator(inner domain.Simulator, cfg BreakerConfig, logger *slog.Logger) *BreakerSimulator {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "simctl",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up is not simctl's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerSimulator{inner: inner, breaker: cb, logger: logger}
}

// Create implements domain.Simulator.
func (b *BreakerSimulator) Create(ctx context.Context, deviceType string) (string, error) {
	id, err := b.breaker.Execute(func() (string, error) {
		return b.inner.Create(ctx, deviceType)
	})
	return id, wrapOpen(err)
}

// Boot implements domain.Simulator.
func (b *BreakerSimulator) Boot(ctx context.Context, id string) error {
	_, err := b.breaker.Execute(func() (string, error) {
		return "", b.inner.Boot(ctx, id)
	})
	return wrapOpen(err)
}

// Shutdown implements domain.Simulator.
func (b *BreakerSimulator) Shutdown(ctx context.Context, id string) error {
	return b.inner.Shutdown(ctx, id)
}

// Delete implements domain.Simulator.
func (b *BreakerSimulator) Delete(ctx context.Context, id string) error {
	return b.inner.Delete(ctx, id)
}

// ListDeviceTypes implements domain.Simulator.
func (b *BreakerSimulator) ListDeviceTypes(ctx context.Context) ([]domain.DeviceType, error) {
	var types []domain.DeviceType
	_, err := b.breaker.Execute(func() (string, error) {
		var err error
		types, err = b.inner.ListDeviceTypes(ctx)
		return "", err
	})
	if err != nil {
		return nil, wrapOpen(err)
	}
	return types, nil
}

// State returns the current breaker state.
func (b *BreakerSimulator) State() gobreaker.State {
	return b.breaker.State()
}

func wrapOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewSubSystemError(domain.SubSystemSimulator, "BreakerSimulator", domain.ErrProviderError,
			fmt.Sprintf("simulator backend unavailable, retry later: %v", err))
	}
	return err
}

var _ domain.Simulator = (*BreakerSimulator)(nil)
