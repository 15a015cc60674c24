package client

import (
	"sort"
	"sync"
)

// Registry 按名称管理多个客户端连接，替代全局连接表
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	opts    []Option
}

// NewRegistry 创建注册表，opts 应用于每个新建的客户端
func NewRegistry(opts ...Option) *Registry {
	return &Registry{clients: make(map[string]*Client), opts: opts}
}

// GetOrCreate returns the client registered under id, creating it from cfg
// when absent. created reports whether a new client was built.
func (r *Registry) GetOrCreate(id string, cfg Config) (c *Client, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[id]; ok {
		return existing, false, nil
	}
	opts := append([]Option{WithName(id)}, r.opts...)
	c, err = New(cfg, opts...)
	if err != nil {
		return nil, false, err
	}
	r.clients[id] = c
	return c, true, nil
}

// Get 获取客户端
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// Dispose disconnects the client and forgets it.
func (r *Registry) Dispose(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok {
		c.Disconnect(CloseNormal, "disposed")
	}
	return ok
}

func (r *Registry) DisposeAll() {
	r.mu.Lock()
	all := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range all {
		c.Disconnect(CloseNormal, "disposed")
	}
}

// IDs 返回已注册的名称（排序后）
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
