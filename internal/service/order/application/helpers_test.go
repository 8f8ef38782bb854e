package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/pkg/resilience"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/infrastructure/routing"
)

// fakePartner reply 为 nil 时表现为异步伙伴
type fakePartner struct {
	name  string
	reply func(cmd domain.Command) (*domain.Event, error)

	mu   sync.Mutex
	cmds []domain.Command
}

func (p *fakePartner) Name() string { return p.name }

func (p *fakePartner) Send(_ context.Context, cmd domain.Command) (*domain.Event, error) {
	p.mu.Lock()
	p.cmds = append(p.cmds, cmd)
	p.mu.Unlock()
	if p.reply == nil {
		return nil, nil
	}
	return p.reply(cmd)
}

func (p *fakePartner) sent() []domain.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Command(nil), p.cmds...)
}

func replyEvent(partner string, cmd domain.Command, kind domain.EventKind) *domain.Event {
	return &domain.Event{
		OrderID:        cmd.OrderID,
		Kind:           kind,
		IdempotencyKey: partner + ":" + cmd.CorrelationID,
		CorrelationID:  cmd.CorrelationID,
		TransactionID:  "txn-" + cmd.OrderID,
		OccurredAt:     time.Now(),
	}
}

// creditCard 授权一律通过，退款一律成功
func creditCard() *fakePartner {
	return &fakePartner{name: "credit-card", reply: func(cmd domain.Command) (*domain.Event, error) {
		if cmd.Kind == domain.CommandRefundPayment {
			return replyEvent("credit-card", cmd, domain.EventRefundConfirmed), nil
		}
		return replyEvent("credit-card", cmd, domain.EventPaymentAuthorized), nil
	}}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testGuards(cfg resilience.Config) *resilience.Registry {
	cfg.CallTimeout = time.Second
	return resilience.NewRegistry(cfg, nil, resilience.WithSleep(noSleep))
}

type testEngine struct {
	*Engine
	repo *infrastructure.MemoryOrderRepository
	ctx  context.Context
}

// startEngine 只启动 Ingestor，不做启动恢复和定时巡检，避免和用例里的下发交错
func startEngine(t *testing.T, guards *resilience.Registry, partners ...port.Partner) *testEngine {
	t.Helper()
	router, err := routing.NewCELRouter(routing.DefaultRoutes())
	require.NoError(t, err)

	repo := infrastructure.NewMemoryOrderRepository()
	eng, err := NewEngine(EngineDeps{
		Repo:     repo,
		Router:   router,
		Partners: partners,
		Guards:   guards,
		Tracer:   noop.NewTracerProvider().Tracer("test"),
		Ingestor: IngestorConfig{Partitions: 4, QueueSize: 16, ProcessingTimeout: 5 * time.Second},
		Timeouts: DefaultTimeoutConfig(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Ingestor.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		eng.Dispatcher.Close()
		cancel()
		<-done
		eng.Fanout.Close()
	})
	return &testEngine{Engine: eng, repo: repo, ctx: ctx}
}

func (e *testEngine) waitForState(t *testing.T, id string, want domain.State) *domain.Order {
	t.Helper()
	var o *domain.Order
	require.Eventually(t, func() bool {
		got, err := e.repo.Get(context.Background(), id)
		if err != nil {
			return false
		}
		o = got
		return got.State == want
	}, 3*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
	return o
}

func hundredDollarOrder(id string) *CreateOrderRequest {
	return &CreateOrderRequest{
		OrderID: id,
		Items: []CreateOrderItem{
			{ProductID: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("30.00")},
			{ProductID: "sku-2", Quantity: 1, UnitPrice: decimal.RequireFromString("40.00")},
		},
	}
}

// captureSink 记录提交的事件，不做处理
type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *captureSink) Submit(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}
