package protocol

import (
	"fmt"
	"sync"
)

// Handler 处理单个帧
type Handler func(f *Frame) error

// Router 按帧类型分发
type Router struct {
	mu             sync.RWMutex
	handlers       map[FrameType]Handler
	defaultHandler Handler
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[FrameType]Handler),
	}
}

// Handle 注册帧类型处理函数，重复注册会覆盖
func (r *Router) Handle(t FrameType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// SetDefault 设置兜底处理函数
func (r *Router) SetDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandler = h
}

// Dispatch 分发帧到对应处理函数
func (r *Router) Dispatch(f *Frame) error {
	r.mu.RLock()
	h, ok := r.handlers[f.Type]
	if !ok {
		h = r.defaultHandler
	}
	r.mu.RUnlock()

	if h == nil {
		return fmt.Errorf("no handler registered for frame type: %s", f.Type)
	}
	return h(f)
}

// Types 已注册的帧类型
func (r *Router) Types() []FrameType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]FrameType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
