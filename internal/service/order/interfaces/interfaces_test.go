package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

type fakeUseCase struct {
	mu      sync.Mutex
	created []*application.CreateOrderRequest
	orders  map[string]*domain.Order
	err     error
}

func (f *fakeUseCase) CreateOrder(_ context.Context, req *application.CreateOrderRequest) (*application.CreateOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	id := req.OrderID
	if id == "" {
		id = "generated"
	}
	return &application.CreateOrderResponse{OrderID: id, State: domain.StatePaymentPending}, nil
}

func (f *fakeUseCase) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

func newTestServer(t *testing.T, uc OrderUseCase) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewOrderHandler(uc, prometheus.NewRegistry()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOrderHandler_CreateOrder(t *testing.T) {
	uc := &fakeUseCase{}
	srv := newTestServer(t, uc)

	body := `{"items":[{"productId":"sku-1","quantity":2,"unitPrice":"30.00"},{"productId":"sku-2","quantity":1,"unitPrice":40}]}`
	resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out application.CreateOrderResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "generated", out.OrderID)
	assert.Equal(t, domain.StatePaymentPending, out.State)

	require.Len(t, uc.created, 1)
	assert.True(t, decimal.RequireFromString("40").Equal(uc.created[0].Items[1].UnitPrice))
}

func TestOrderHandler_CreateOrderErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "malformed json", body: `{"items":`, want: http.StatusBadRequest},
		{name: "invalid order", body: `{"items":[]}`, err: domain.NewInvalidOrderError("items", "must not be empty"), want: http.StatusBadRequest},
		{name: "store failure", body: `{"items":[]}`, err: errors.New("db down"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeUseCase{err: tc.err})
			resp, err := http.Post(srv.URL+"/orders", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestOrderHandler_GetOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &domain.Order{
		ID:      "o-1",
		State:   domain.StateCompleted,
		Version: 3,
		Total:   decimal.RequireFromString("100.00"),
		Items:   []domain.LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: decimal.RequireFromString("100.00")}},
		Events: []domain.Event{
			{OrderID: "o-1", Kind: domain.EventPaymentAuthorized, IdempotencyKey: "a", OccurredAt: now},
			{OrderID: "o-1", Kind: domain.EventShipmentDispatched, IdempotencyKey: "b", OccurredAt: now},
		},
	}
	srv := newTestServer(t, &fakeUseCase{orders: map[string]*domain.Order{"o-1": o}})

	resp, err := http.Get(srv.URL + "/orders/o-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view application.OrderView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, domain.StateCompleted, view.State)
	assert.Equal(t, int64(3), view.Version)
	assert.Len(t, view.Events, 2)
	assert.Equal(t, domain.EventShipmentDispatched, view.Events[1].Type)

	resp, err = http.Get(srv.URL + "/orders/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOrderHandler_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeUseCase{})
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

// fakeReader 按顺序吐出预置消息，之后阻塞到 ctx 结束或被关闭
type fakeReader struct {
	msgs   chan kafka.Message
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)), closed: make(chan struct{})}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-r.closed:
		return kafka.Message{}, io.EOF
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: "test-topic"} }

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) all() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeIngestor struct {
	mu        sync.Mutex
	events    []domain.Event
	err       error // 每次都返回
	transient int   // 前 transient 次返回 errStoreDown
	attempts  int
}

var errStoreDown = errors.New("dial tcp 10.0.0.7:3306: connect: connection refused")

func (f *fakeIngestor) Ingest(_ context.Context, ev domain.Event) (application.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return 0, f.err
	}
	if f.transient > 0 {
		f.transient--
		return 0, errStoreDown
	}
	f.events = append(f.events, ev)
	return application.OutcomeApplied, nil
}

func TestReplyConsumer_IngestsAndCommits(t *testing.T) {
	good := kafka.Message{Topic: "order-saga-replies", Key: []byte("o-1"), Offset: 1,
		Value: []byte(`{"orderId":"o-1","type":"SHIPMENT_DISPATCHED","idempotencyKey":"logistics:c1","trackingId":"TRK","synthetic":true}`)}
	fromHeader := kafka.Message{Topic: "order-saga-replies", Key: []byte("o-2"), Offset: 2,
		Value:   []byte(`{"type":"SHIPMENT_FAILED","reason":"no stock"}`),
		Headers: []kafka.Header{{Key: "idempotency-key", Value: []byte("logistics:c2")}}}
	garbage := kafka.Message{Topic: "order-saga-replies", Offset: 3, Value: []byte(`not json`)}

	reader := newFakeReader(good, fromHeader, garbage)
	dlt := &fakeWriter{}
	ingestor := &fakeIngestor{}
	a := NewReplyConsumerAdapter(reader, ingestor, mq.NewFailureHandler(dlt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return reader.commitCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())

	ingestor.mu.Lock()
	defer ingestor.mu.Unlock()
	require.Len(t, ingestor.events, 2)
	assert.Equal(t, "TRK", ingestor.events[0].TrackingID)
	assert.False(t, ingestor.events[0].Synthetic, "外部回执不能伪装成合成事件")
	assert.Equal(t, "o-2", ingestor.events[1].OrderID)
	assert.Equal(t, "logistics:c2", ingestor.events[1].IdempotencyKey)

	dead := dlt.all()
	require.Len(t, dead, 1)
	assert.Equal(t, "order-saga-replies", mq.HeaderValue(dead[0].Headers, mq.HeaderOriginalTopic))
	assert.Equal(t, "3", mq.HeaderValue(dead[0].Headers, mq.HeaderOriginalOffset))
}

func TestReplyConsumer_UnknownOrderGoesToDLT(t *testing.T) {
	msg := kafka.Message{Topic: "order-saga-replies", Value: []byte(`{"orderId":"missing","type":"PAYMENT_AUTHORIZED","idempotencyKey":"k"}`)}
	reader := newFakeReader(msg)
	dlt := &fakeWriter{}
	ingestor := &fakeIngestor{err: domain.ErrOrderNotFound}
	a := NewReplyConsumerAdapter(reader, ingestor, mq.NewFailureHandler(dlt))

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())

	require.Len(t, dlt.all(), 1)
	assert.Contains(t, mq.HeaderValue(dlt.all()[0].Headers, mq.HeaderExceptionMessage), "order not found")
	assert.Equal(t, 1, ingestor.attempts, "无法处理的消息不重试")
}

func TestReplyConsumer_InvalidEventGoesToDLT(t *testing.T) {
	msg := kafka.Message{Topic: "order-saga-replies", Value: []byte(`{"orderId":"o-1","type":"PAYMENT_AUTHORIZED"}`)}
	reader := newFakeReader(msg)
	dlt := &fakeWriter{}
	a := NewReplyConsumerAdapter(reader, &fakeIngestor{err: application.ErrInvalidEvent}, mq.NewFailureHandler(dlt))

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())

	assert.Len(t, dlt.all(), 1)
}

func TestReplyConsumer_TransientErrorRetriesInPlace(t *testing.T) {
	msg := kafka.Message{Topic: "order-saga-replies", Key: []byte("o-1"), Offset: 7,
		Value: []byte(`{"orderId":"o-1","type":"SHIPMENT_DISPATCHED","idempotencyKey":"logistics:c1","trackingId":"TRK"}`)}
	reader := newFakeReader(msg)
	dlt := &fakeWriter{}
	ingestor := &fakeIngestor{transient: 3}
	a := NewReplyConsumerAdapter(reader, ingestor, mq.NewFailureHandler(dlt))
	a.retryDelay = time.Millisecond

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())

	ingestor.mu.Lock()
	defer ingestor.mu.Unlock()
	assert.Equal(t, 4, ingestor.attempts)
	require.Len(t, ingestor.events, 1)
	assert.Equal(t, "TRK", ingestor.events[0].TrackingID)
	assert.Empty(t, dlt.all(), "存储故障不能把真实回执送进死信")
}

func TestReplyConsumer_StopDuringRetryDoesNotCommit(t *testing.T) {
	msg := kafka.Message{Topic: "order-saga-replies", Key: []byte("o-1"),
		Value: []byte(`{"orderId":"o-1","type":"SHIPMENT_DISPATCHED","idempotencyKey":"logistics:c1"}`)}
	reader := newFakeReader(msg)
	dlt := &fakeWriter{}
	ingestor := &fakeIngestor{err: context.DeadlineExceeded}
	a := NewReplyConsumerAdapter(reader, ingestor, mq.NewFailureHandler(dlt))
	a.retryDelay = time.Millisecond

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool {
		ingestor.mu.Lock()
		defer ingestor.mu.Unlock()
		return ingestor.attempts >= 3
	}, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())

	assert.Zero(t, reader.commitCount(), "未处理成功的回执留给重启后重投")
	assert.Empty(t, dlt.all())
}

func TestOrderCreationConsumer_InvalidOrderGoesToDLT(t *testing.T) {
	msg := kafka.Message{Key: []byte("order-43"), Value: []byte(`{"items":[]}`)}
	reader := newFakeReader(msg)
	dlt := &fakeWriter{}
	uc := &fakeUseCase{err: domain.NewInvalidOrderError("items", "must not be empty")}
	a := NewOrderCreationConsumerAdapter(reader, uc, mq.NewFailureHandler(dlt))

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())

	assert.Len(t, dlt.all(), 1)
}

func TestOrderCreationConsumer_UsesKeyAsOrderID(t *testing.T) {
	msg := kafka.Message{Key: []byte("order-42"), Value: []byte(`{"items":[{"productId":"sku-1","quantity":1,"unitPrice":"9.99"}]}`)}
	reader := newFakeReader(msg)
	uc := &fakeUseCase{}
	a := NewOrderCreationConsumerAdapter(reader, uc, mq.NewFailureHandler(&fakeWriter{}))

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())

	require.Len(t, uc.created, 1)
	assert.Equal(t, "order-42", uc.created[0].OrderID)
}

func TestDltConsumer_CommitsEverything(t *testing.T) {
	reader := newFakeReader(kafka.Message{Value: []byte("x")}, kafka.Message{Value: []byte("y")})
	a := NewDltConsumerAdapter(reader)
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.commitCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())
}

func TestHub_PushesNotificationsWithFilter(t *testing.T) {
	fanout := application.NewFanout(8, time.Second, nil)
	defer fanout.Close()
	hub := NewHub(fanout)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	all, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer all.Close()
	only, _, err := websocket.DefaultDialer.Dial(wsURL+"?orderId=o-2", nil)
	require.NoError(t, err)
	defer only.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	fanout.Publish(context.Background(), port.Notification{OrderID: "o-1", State: domain.StatePaymentPending, Version: 1})
	fanout.Publish(context.Background(), port.Notification{OrderID: "o-2", State: domain.StateShipmentPending, Version: 2})

	var n port.Notification
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&n))
	assert.Equal(t, "o-1", n.OrderID)
	require.NoError(t, all.ReadJSON(&n))
	assert.Equal(t, "o-2", n.OrderID)

	require.NoError(t, only.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, only.ReadJSON(&n))
	assert.Equal(t, "o-2", n.OrderID)
	assert.Equal(t, int64(2), n.Version)

	require.NoError(t, only.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
}
