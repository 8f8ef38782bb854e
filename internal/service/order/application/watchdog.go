package application

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// TimeoutConfig 各等待状态允许停留的最长时间
type TimeoutConfig struct {
	Payment      time.Duration
	Shipment     time.Duration
	Compensation time.Duration
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Payment:      30 * time.Second,
		Shipment:     120 * time.Second,
		Compensation: 60 * time.Second,
	}
}

func (c TimeoutConfig) forState(s domain.State) (time.Duration, bool) {
	switch s {
	case domain.StatePaymentPending:
		return c.Payment, true
	case domain.StateShipmentPending:
		return c.Shipment, true
	case domain.StateCompensating:
		return c.Compensation, true
	}
	return 0, false
}

// waitingStates 巡检的等待状态，每个状态按自己的超时单独查询，互不挤占批次
var waitingStates = []domain.State{
	domain.StatePaymentPending,
	domain.StateShipmentPending,
	domain.StateCompensating,
}

// Watchdog 定时巡检卡在等待状态的订单，为超时的订单提交 reason=timeout 的失败事件。
// 幂等键是 timeout:<orderId>:<version>，多次巡检、多个实例同时巡检都只会生效一次。
type Watchdog struct {
	repo     domain.OrderRepository
	sink     EventSink
	timeouts TimeoutConfig
	schedule string
	batch    int
	lock     port.Locker // 可选，配置了 ZooKeeper 时只有持锁实例巡检
	lockWait time.Duration
	metrics  *Metrics
	now      func() time.Time
}

func NewWatchdog(repo domain.OrderRepository, sink EventSink, timeouts TimeoutConfig, schedule string, lock port.Locker, metrics *Metrics) *Watchdog {
	if schedule == "" {
		schedule = "@every 10s"
	}
	return &Watchdog{
		repo:     repo,
		sink:     sink,
		timeouts: timeouts,
		schedule: schedule,
		batch:    500,
		lock:     lock,
		lockWait: 5 * time.Second,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep 执行一次巡检，返回提交的超时事件数
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) (int, error) {
	if w.lock != nil {
		lockCtx, cancel := context.WithTimeout(ctx, w.lockWait)
		err := w.lock.Lock(lockCtx)
		cancel()
		if err != nil {
			logger.Ctx(ctx).Debug().Err(err).Msg("未拿到巡检锁，本轮跳过")
			return 0, nil
		}
		defer func() {
			if err := w.lock.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("释放巡检锁失败")
			}
		}()
	}

	submitted := 0
	for _, state := range waitingStates {
		limit, _ := w.timeouts.forState(state)
		if limit <= 0 {
			continue
		}
		orders, err := w.repo.ListStale(ctx, state, now.Add(-limit), w.batch)
		if err != nil {
			return submitted, err
		}
		for _, o := range orders {
			ev, ok := domain.TimeoutEventFor(o, now)
			if !ok {
				continue
			}
			if err := w.sink.Submit(ctx, ev); err != nil {
				return submitted, err
			}
			submitted++
			w.metrics.timeout()
			logger.Ctx(ctx).Warn().
				Str("order_id", o.ID).
				Str("state", string(o.State)).
				Dur("idle", now.Sub(o.UpdatedAt)).
				Msg("⏰ 订单等待回执超时")
		}
	}
	return submitted, nil
}

// Run 按 schedule 周期巡检，阻塞到 ctx 结束
func (w *Watchdog) Run(ctx context.Context) error {
	cl := cronLogger{l: logger.L()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(w.schedule, func() {
		if _, err := w.Sweep(ctx, w.now()); err != nil && ctx.Err() == nil {
			logger.L().Error().Err(err).Msg("超时巡检失败")
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	logger.L().Info().Str("schedule", w.schedule).Msg("⏱️ Timeout watchdog started")
	<-ctx.Done()
	<-c.Stop().Done()
	logger.L().Info().Msg("Timeout watchdog stopped")
	return nil
}

// cronLogger 把 cron 的日志接到 zerolog
type cronLogger struct {
	l *zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
