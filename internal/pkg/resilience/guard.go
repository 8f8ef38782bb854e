package resilience

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/pkg/logger"
)

// Config 单个下游的保护策略
type Config struct {
	MaxConcurrent int
	CallTimeout   time.Duration
	Breaker       BreakerConfig
	Retry         RetryConfig
}

// DefaultConfig 默认：并发 10，窗口 20 次调用、失败率 50%，冷却 30s，最多 3 次尝试
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 10,
		CallTimeout:   5 * time.Second,
		Breaker: BreakerConfig{
			WindowSize:   20,
			FailureRatio: 0.5,
			MinimumCalls: 20,
			CoolDown:     30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
			Jitter:         0.5,
		},
	}
}

type Option func(*Guard)

// WithClock 替换熔断器使用的时钟
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithSleep 替换重试之间的等待函数
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Guard) { g.sleep = sleep }
}

// Guard 按 隔离舱 -> 熔断器 -> 重试 的顺序包裹对一个下游的调用
type Guard struct {
	name     string
	cfg      Config
	bulkhead *Bulkhead
	breaker  *Breaker
	metrics  *Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewGuard(name string, cfg Config, opts ...Option) *Guard {
	g := &Guard{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cfg.Retry = g.cfg.Retry.withDefaults()
	g.bulkhead = NewBulkhead(cfg.MaxConcurrent)
	g.breaker = NewBreaker(cfg.Breaker, g.now)
	g.breaker.onChange = func(from, to State) {
		logger.L().Warn().Str("partner", g.name).
			Str("from", from.String()).Str("to", to.String()).
			Msg("⚡️ 熔断器状态变化")
		g.metrics.setState(g.name, to)
	}
	g.metrics.setState(g.name, StateClosed)
	return g
}

func (g *Guard) Name() string { return g.name }

// State 当前熔断器状态
func (g *Guard) State() State { return g.breaker.State() }

// Execute 执行 op。
// 隔离舱满返回 ErrBulkheadFull；熔断打开返回 ErrCircuitOpen，op 不会被调用；
// op 返回 Permanent 错误时不重试，原样返回；瞬时错误最多尝试 MaxAttempts 次，
// 之后返回包裹了 ErrRetriesExhausted 和最后一次错误的错误。
func (g *Guard) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	release, err := g.bulkhead.TryAcquire()
	if err != nil {
		g.metrics.observe(g.name, "bulkhead_full")
		return fmt.Errorf("%s: %w", g.name, err)
	}
	g.metrics.setInFlight(g.name, g.bulkhead.InFlight())
	defer func() {
		release()
		g.metrics.setInFlight(g.name, g.bulkhead.InFlight())
	}()

	bo := g.cfg.Retry.newBackOff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		gen, err := g.breaker.Allow()
		if err != nil {
			g.metrics.observe(g.name, "circuit_open")
			if lastErr != nil {
				return fmt.Errorf("%s: %w after %d attempts: %w", g.name, err, attempt-1, lastErr)
			}
			return fmt.Errorf("%s: %w", g.name, err)
		}

		err = g.attempt(ctx, op)
		if err == nil {
			g.breaker.Record(gen, true)
			g.metrics.observe(g.name, "success")
			return nil
		}
		if IsPermanent(err) {
			g.breaker.Record(gen, true)
			g.metrics.observe(g.name, "permanent")
			return err
		}

		g.breaker.Record(gen, false)
		g.metrics.observe(g.name, "failure")
		lastErr = err
		logger.Ctx(ctx).Debug().Err(err).Str("partner", g.name).Int("attempt", attempt).Msg("下游调用失败")

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", g.name, ctx.Err())
		}
		if attempt >= g.cfg.Retry.MaxAttempts {
			g.metrics.observe(g.name, "retries_exhausted")
			return fmt.Errorf("%s: %w after %d attempts: %w", g.name, ErrRetriesExhausted, attempt, lastErr)
		}
		if err := g.sleep(ctx, bo.NextBackOff()); err != nil {
			return fmt.Errorf("%s: %w", g.name, err)
		}
	}
}

func (g *Guard) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if g.cfg.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	return op(callCtx)
}
