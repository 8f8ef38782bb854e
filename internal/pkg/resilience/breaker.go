package resilience

import (
	"sync"
	"time"
)

// State 是熔断器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	WindowSize   int           // 滑动窗口记录的调用数
	FailureRatio float64       // 失败率阈值，达到即打开
	MinimumCalls int           // 窗口内至少有这么多次调用才评估失败率
	CoolDown     time.Duration // Open 持续多久后允许一次半开试探
}

// Breaker 是基于计数滑动窗口的熔断器。
// 状态只在内存中维护，进程重启后从 Closed 重新开始。
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state    State
	window   []bool // true 表示失败
	next     int
	filled   int
	failures int

	openedAt      time.Time
	trialInFlight bool
	generation    uint64 // 每次状态迁移加一，用来丢弃旧状态下放行的调用结果

	now      func() time.Time
	onChange func(from, to State)
}

func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinimumCalls <= 0 || cfg.MinimumCalls > cfg.WindowSize {
		cfg.MinimumCalls = cfg.WindowSize
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		window: make([]bool, cfg.WindowSize),
		now:    now,
	}
}

// State 返回当前状态。Open 冷却期已过但还没有调用进来时依然报告 Open。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow 判断一次调用能否放行。半开状态下只放行一个试探调用。
// 放行之后调用方必须带着返回的 generation 调用 Record 报告结果。
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			return 0, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return b.generation, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return 0, ErrCircuitOpen
		}
		b.trialInFlight = true
		return b.generation, nil
	default:
		return b.generation, nil
	}
}

// Record 报告一次已放行调用的结果。
// generation 与当前不一致说明调用是在上一个状态放行的，结果直接丢弃；
// 因此半开状态只由试探调用决定去向。
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.resetWindow()
			b.transition(StateClosed)
		} else {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateClosed:
		b.push(!success)
		if b.filled >= b.cfg.MinimumCalls &&
			float64(b.failures)/float64(b.filled) >= b.cfg.FailureRatio {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) push(failed bool) {
	if b.filled == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.next, b.filled, b.failures = 0, 0, 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
