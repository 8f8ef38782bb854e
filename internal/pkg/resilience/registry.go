package resilience

import "sync"

// Registry 每个下游一个 Guard，按名字懒创建
type Registry struct {
	mu        sync.Mutex
	guards    map[string]*Guard
	overrides map[string]Config
	defaults  Config
	opts      []Option
}

func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	if overrides == nil {
		overrides = map[string]Config{}
	}
	return &Registry{
		guards:    make(map[string]*Guard),
		overrides: overrides,
		defaults:  defaults,
		opts:      opts,
	}
}

// Get 返回 name 对应的 Guard，不存在则用覆盖配置或默认配置创建
func (r *Registry) Get(name string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	g := NewGuard(name, cfg, r.opts...)
	r.guards[name] = g
	return g
}

// States 所有已创建 Guard 的熔断器状态快照
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.guards))
	for name, g := range r.guards {
		out[name] = g.State()
	}
	return out
}
