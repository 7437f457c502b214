package simulator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flutter-sim-mcp/internal/domain"
)

type flakySim struct {
	fail    atomic.Bool
	creates atomic.Int32
	deletes atomic.Int32
}

func (f *flakySim) Create(context.Context, string) (string, error) {
	f.creates.Add(1)
	if f.fail.Load() {
		return "", errors.New("simctl: CoreSimulatorService connection interrupted")
	}
	return "SIM-1", nil
}
func (f *flakySim) Boot(context.Context, string) error {
	if f.fail.Load() {
		return errors.New("boot failed")
	}
	return nil
}
func (f *flakySim) Shutdown(context.Context, string) error { return nil }
func (f *flakySim) Delete(context.Context, string) error {
	f.deletes.Add(1)
	if f.fail.Load() {
		return errors.New("delete failed")
	}
	return nil
}
func (f *flakySim) ListDeviceTypes(context.Context) ([]domain.DeviceType, error) {
	if f.fail.Load() {
		return nil, errors.New("list failed")
	}
	return []domain.DeviceType{{Name: "iPhone 15"}}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakySim{}
	inner.fail.Store(true)
	b := NewBreakerSimulator(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Hour}, newTestLogger())

	for i := 0; i < 2; i++ {
		_, err := b.Create(context.Background(), "iPhone 15")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Create(context.Background(), "iPhone 15")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.creates.Load(), "open breaker must not reach simctl")
	assert.Equal(t, domain.CodeSimulatorFailure, domain.ErrorCodeOf(err))
	assert.ErrorIs(t, err, domain.ErrProviderError)
}

func TestBreakerTeardownBypassesOpenCircuit(t *testing.T) {
	inner := &flakySim{}
	inner.fail.Store(true)
	b := NewBreakerSimulator(inner, BreakerConfig{MaxFailures: 1, Timeout: time.Hour}, newTestLogger())

	_, _ = b.ListDeviceTypes(context.Background())
	require.Equal(t, gobreaker.StateOpen, b.State())

	inner.fail.Store(false)
	assert.NoError(t, b.Shutdown(context.Background(), "SIM-1"))
	assert.NoError(t, b.Delete(context.Background(), "SIM-1"))
	assert.Equal(t, int32(1), inner.deletes.Load())
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	inner := &flakySim{}
	inner.fail.Store(true)
	b := NewBreakerSimulator(inner, BreakerConfig{MaxFailures: 1, Timeout: 50 * time.Millisecond}, newTestLogger())

	require.Error(t, b.Boot(context.Background(), "SIM-1"))
	require.Equal(t, gobreaker.StateOpen, b.State())

	inner.fail.Store(false)
	time.Sleep(80 * time.Millisecond)

	types, err := b.ListDeviceTypes(context.Background())
	require.NoError(t, err)
	assert.Len(t, types, 1)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerCancellationDoesNotTrip(t *testing.T) {
	inner := &cancelSim{}
	b := NewBreakerSimulator(inner, BreakerConfig{MaxFailures: 1, Timeout: time.Hour}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Create(ctx, "iPhone 15")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

type cancelSim struct{ flakySim }

func (c *cancelSim) Create(ctx context.Context, _ string) (string, error) {
	return "", ctx.Err()
}
