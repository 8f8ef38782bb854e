package application

import (
	"context"
	"sync"
	"time"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain/port"
)

// Fanout 把状态变化推送给所有实时订阅者。
// 每个订阅者一个带缓冲的队列和一个投递 goroutine，慢订阅者只会丢自己的通知。
type Fanout struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	buffer  int
	timeout time.Duration
	metrics *Metrics
	closed  bool
	wg      sync.WaitGroup
}

type subscription struct {
	sub   port.Subscriber
	queue chan port.Notification
	once  sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

func NewFanout(buffer int, timeout time.Duration, metrics *Metrics) *Fanout {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Fanout{
		subs:    make(map[*subscription]struct{}),
		buffer:  buffer,
		timeout: timeout,
		metrics: metrics,
	}
}

// Subscribe 注册订阅者，返回取消订阅的函数
func (f *Fanout) Subscribe(sub port.Subscriber) func() {
	s := &subscription{sub: sub, queue: make(chan port.Notification, f.buffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	f.subs[s] = struct{}{}
	f.wg.Add(1)
	f.mu.Unlock()

	go f.deliver(s)

	return func() {
		f.mu.Lock()
		if _, ok := f.subs[s]; ok {
			delete(f.subs, s)
			s.stop()
		}
		f.mu.Unlock()
	}
}

func (f *Fanout) deliver(s *subscription) {
	defer f.wg.Done()
	for n := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := s.sub.Notify(ctx, n)
		cancel()
		if err != nil {
			f.metrics.fanoutDrop(s.sub.Name())
			logger.L().Warn().Err(err).
				Str("subscriber", s.sub.Name()).
				Str("order_id", n.OrderID).
				Str("state", string(n.State)).
				Msg("推送状态变化失败，已丢弃")
		}
	}
}

// Publish 非阻塞地把通知放进每个订阅者的队列，队列满则丢弃
func (f *Fanout) Publish(ctx context.Context, n port.Notification) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for s := range f.subs {
		select {
		case s.queue <- n:
		default:
			f.metrics.fanoutDrop(s.sub.Name())
			logger.Ctx(ctx).Warn().
				Str("subscriber", s.sub.Name()).
				Str("order_id", n.OrderID).
				Msg("订阅者队列已满，丢弃通知")
		}
	}
}

// Close 停止接收通知，等待已入队的通知投递完
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for s := range f.subs {
		s.stop()
	}
	f.subs = map[*subscription]struct{}{}
	f.mu.Unlock()
	f.wg.Wait()
}
