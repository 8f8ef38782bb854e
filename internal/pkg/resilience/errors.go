package resilience

import "errors"

var (
	// ErrCircuitOpen 熔断器打开（或半开试探名额已被占用），调用被直接拒绝，没有触达下游
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrBulkheadFull 并发隔离舱已满，调用被立即拒绝而不是排队
	ErrBulkheadFull = errors.New("bulkhead is full")
	// ErrRetriesExhausted 瞬时失败重试次数用尽
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// permanentError 标记一个不可重试的错误（例如下游返回 4xx）
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 把错误标记为不可重试。熔断器把它视为下游的有效响应，不计入失败率。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误链中是否带有不可重试标记
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
