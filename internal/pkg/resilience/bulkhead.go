package resilience

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Bulkhead 限制同一下游的并发调用数，超出上限立即失败
type Bulkhead struct {
	sem      *semaphore.Weighted
	max      int64
	inFlight atomic.Int64
}

func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Bulkhead{
		sem: semaphore.NewWeighted(int64(maxConcurrent)),
		max: int64(maxConcurrent),
	}
}

// TryAcquire 尝试占用一个并发名额，成功时返回释放函数
func (b *Bulkhead) TryAcquire() (func(), error) {
	if !b.sem.TryAcquire(1) {
		return nil, ErrBulkheadFull
	}
	b.inFlight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			b.inFlight.Add(-1)
			b.sem.Release(1)
		}
	}, nil
}

// InFlight 当前占用的名额数
func (b *Bulkhead) InFlight() int64 {
	return b.inFlight.Load()
}

func (b *Bulkhead) Max() int64 {
	return b.max
}
