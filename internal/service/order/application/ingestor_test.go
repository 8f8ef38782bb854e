package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/service/order/domain"
)

// recordingApplier 记录每个订单收到事件的顺序
type recordingApplier struct {
	mu    sync.Mutex
	seen  map[string][]string
	calls int
	err   error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{seen: map[string][]string{}}
}

func (a *recordingApplier) ApplyEvent(_ context.Context, ev domain.Event) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return 0, a.err
	}
	a.seen[ev.OrderID] = append(a.seen[ev.OrderID], ev.IdempotencyKey)
	return OutcomeApplied, nil
}

func (a *recordingApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func runIngestor(t *testing.T, pipeline Handler) *Ingestor {
	t.Helper()
	in := NewIngestor(pipeline, IngestorConfig{Partitions: 4, QueueSize: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = in.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return in
}

func event(orderID, key string) domain.Event {
	return domain.Event{OrderID: orderID, Kind: domain.EventPaymentAuthorized, IdempotencyKey: key}
}

func TestIngestor_PreservesPerOrderOrder(t *testing.T) {
	applier := newRecordingApplier()
	pipeline, err := BuildPipeline(applier, 1000, nil)
	require.NoError(t, err)
	in := runIngestor(t, pipeline)

	orders := []string{"a", "b", "c"}
	want := map[string][]string{}
	var wg sync.WaitGroup
	for _, id := range orders {
		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("%s-%02d", id, i)
			want[id] = append(want[id], key)
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, key := range want[id] {
				assert.NoError(t, in.Submit(context.Background(), event(id, key)))
			}
		}(id)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return applier.callCount() == 60 }, 3*time.Second, 5*time.Millisecond)
	applier.mu.Lock()
	defer applier.mu.Unlock()
	for _, id := range orders {
		assert.Equal(t, want[id], applier.seen[id])
	}
}

func TestIngestor_RecentlySeenDuplicatesSkipApply(t *testing.T) {
	applier := newRecordingApplier()
	pipeline, err := BuildPipeline(applier, 10, nil)
	require.NoError(t, err)
	in := runIngestor(t, pipeline)

	outcome, err := in.Ingest(context.Background(), event("o-1", "k-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = in.Ingest(context.Background(), event("o-1", "k-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, applier.callCount())

	// 同一个幂等键属于另一个订单时不算重复
	outcome, err = in.Ingest(context.Background(), event("o-2", "k-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestIngestor_RejectsInvalidEvents(t *testing.T) {
	applier := newRecordingApplier()
	pipeline, err := BuildPipeline(applier, 10, nil)
	require.NoError(t, err)
	in := runIngestor(t, pipeline)

	cases := []domain.Event{
		{Kind: domain.EventPaymentAuthorized, IdempotencyKey: "k"},
		{OrderID: "o-1", Kind: domain.EventPaymentAuthorized},
		{OrderID: "o-1", Kind: "PAYMENT_MAYBE", IdempotencyKey: "k"},
	}
	for _, ev := range cases {
		_, err := in.Ingest(context.Background(), ev)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	}
	assert.Zero(t, applier.callCount())
}

func TestIngestor_ErrorsAreNotRemembered(t *testing.T) {
	applier := newRecordingApplier()
	applier.err = errors.New("db down")
	pipeline, err := BuildPipeline(applier, 10, nil)
	require.NoError(t, err)
	in := runIngestor(t, pipeline)

	_, err = in.Ingest(context.Background(), event("o-1", "k-1"))
	require.Error(t, err)

	applier.mu.Lock()
	applier.err = nil
	applier.mu.Unlock()

	outcome, err := in.Ingest(context.Background(), event("o-1", "k-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome, "失败的事件重投后应该被处理")
}

func TestIngestor_ClosedAfterRunReturns(t *testing.T) {
	pipeline, err := BuildPipeline(newRecordingApplier(), 10, nil)
	require.NoError(t, err)
	in := NewIngestor(pipeline, IngestorConfig{Partitions: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, in.Run(ctx))

	_, err = in.Ingest(context.Background(), event("o-1", "k-1"))
	assert.ErrorIs(t, err, ErrIngestorClosed)
	assert.ErrorIs(t, in.Submit(context.Background(), event("o-1", "k-2")), ErrIngestorClosed)
}

// fakeDeduper 模拟跨实例缓存
type fakeDeduper struct {
	mu     sync.Mutex
	marked map[string]bool
	err    error
}

func (d *fakeDeduper) Seen(_ context.Context, orderID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	return d.marked[orderID+"/"+key], nil
}

func (d *fakeDeduper) Mark(_ context.Context, orderID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.marked[orderID+"/"+key] = true
	return nil
}

func TestPipeline_SharedDedup(t *testing.T) {
	applier := newRecordingApplier()
	dedup := &fakeDeduper{marked: map[string]bool{"o-1/seen-elsewhere": true}}
	pipeline, err := BuildPipeline(applier, 10, dedup)
	require.NoError(t, err)

	ec := &EventContext{Ctx: context.Background(), Event: event("o-1", "seen-elsewhere")}
	require.NoError(t, pipeline.Handle(ec))
	assert.Equal(t, OutcomeDuplicate, ec.Outcome)
	assert.Zero(t, applier.callCount())

	ec = &EventContext{Ctx: context.Background(), Event: event("o-1", "fresh")}
	require.NoError(t, pipeline.Handle(ec))
	assert.Equal(t, OutcomeApplied, ec.Outcome)
	assert.True(t, dedup.marked["o-1/fresh"])
}

func TestPipeline_SharedDedupUnavailableFallsThrough(t *testing.T) {
	applier := newRecordingApplier()
	pipeline, err := BuildPipeline(applier, 10, &fakeDeduper{err: errors.New("redis down")})
	require.NoError(t, err)

	ec := &EventContext{Ctx: context.Background(), Event: event("o-1", "k")}
	require.NoError(t, pipeline.Handle(ec))
	assert.Equal(t, OutcomeApplied, ec.Outcome)
	assert.Equal(t, 1, applier.callCount())
}
