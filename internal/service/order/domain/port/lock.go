package port

import "context"

// Locker 分布式互斥锁，保证同一时刻只有一个实例执行超时巡检
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}
