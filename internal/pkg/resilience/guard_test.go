package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("connection reset")

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	return cfg
}

func TestGuard_RetriesTransientFailures(t *testing.T) {
	g := NewGuard("payment", testConfig(), WithSleep(noSleep))

	var calls atomic.Int32
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGuard_RetriesExhausted(t *testing.T) {
	g := NewGuard("payment", testConfig(), WithSleep(noSleep))

	var calls atomic.Int32
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return errFlaky
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGuard_PermanentErrorNotRetried(t *testing.T) {
	g := NewGuard("payment", testConfig(), WithSleep(noSleep))

	declined := errors.New("400 bad request")
	var calls atomic.Int32
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(declined)
	})

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, declined)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateClosed, g.State())
}

func TestGuard_OpenCircuitSkipsPartner(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	clock := newManualClock()
	g := NewGuard("payment", cfg, WithSleep(noSleep), WithClock(clock.Now))

	var calls atomic.Int32
	ok := func(ctx context.Context) error { calls.Add(1); return nil }
	bad := func(ctx context.Context) error { calls.Add(1); return errFlaky }

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Execute(context.Background(), ok))
	}
	for i := 0; i < 10; i++ {
		require.ErrorIs(t, g.Execute(context.Background(), bad), ErrRetriesExhausted)
	}
	require.Equal(t, StateOpen, g.State())

	before := calls.Load()
	err := g.Execute(context.Background(), ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls.Load(), "熔断打开时不应触达下游")

	clock.Advance(30 * time.Second)
	require.NoError(t, g.Execute(context.Background(), ok), "冷却后的试探成功")
	assert.Equal(t, StateClosed, g.State())
}

func TestGuard_BulkheadRejectsOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	g := NewGuard("logistics", cfg, WithSleep(noSleep))

	started := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- g.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	var calls atomic.Int32
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrBulkheadFull)
	assert.Zero(t, calls.Load())

	close(unblock)
	require.NoError(t, <-done)
	assert.NoError(t, g.Execute(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestGuard_CallTimeoutCountsAsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	cfg.Retry.MaxAttempts = 2
	g := NewGuard("payment", cfg, WithSleep(noSleep))

	var calls atomic.Int32
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGuard_CancelledContextStopsRetrying(t *testing.T) {
	g := NewGuard("payment", testConfig(), WithSleep(noSleep))
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	err := g.Execute(ctx, func(ctx context.Context) error {
		calls.Add(1)
		cancel()
		return errFlaky
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuard_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g := NewGuard("payment", testConfig(), WithSleep(noSleep), WithMetrics(m))

	require.NoError(t, g.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	_ = g.Execute(context.Background(), func(ctx context.Context) error { return Permanent(errFlaky) })

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("payment", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("payment", "permanent")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.circuitState.WithLabelValues("payment")))
}

func TestRegistry_ReusesGuardPerPartner(t *testing.T) {
	override := testConfig()
	override.MaxConcurrent = 1
	r := NewRegistry(testConfig(), map[string]Config{"logistics": override})

	assert.Same(t, r.Get("payment"), r.Get("payment"))
	assert.Equal(t, int64(1), r.Get("logistics").bulkhead.Max())
	assert.Equal(t, int64(10), r.Get("payment").bulkhead.Max())
	assert.Equal(t, map[string]State{"payment": StateClosed, "logistics": StateClosed}, r.States())
}
