package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/chatlink/internal/protocol"
)

// EventType 事件类型标识
type EventType string

const (
	EventOpened        EventType = "opened"
	EventMessage       EventType = "message"
	EventHeartbeat     EventType = "heartbeat"
	EventError         EventType = "error" // non-fatal
	EventClosed        EventType = "closed"
	EventState         EventType = "state"
	EventReconnecting  EventType = "reconnecting"
	EventFatal         EventType = "fatal"
	EventClearMessages EventType = "clear_messages"

	// EventAny subscribes to every event type.
	EventAny EventType = "*"
)

// Event is what subscribers receive. Only the fields relevant to Type are set.
type Event struct {
	Type EventType
	Time time.Time

	State State // EventState: new state
	From  State // EventState: previous state

	Frame   *protocol.Frame
	Payload json.RawMessage

	Code    int
	Reason  string
	Attempt int
	Delay   time.Duration
	Err     error
}

type FatalKind string

const (
	FatalAuth   FatalKind = "auth"
	FatalGiveUp FatalKind = "give_up"
)

// FatalError ends automatic recovery. The caller has to act (refresh
// credentials, retry manually) and call Connect or Reconnect again.
type FatalError struct {
	Kind    FatalKind
	Attempt int
	Err     error
}

func (e *FatalError) Error() string {
	switch e.Kind {
	case FatalGiveUp:
		return fmt.Sprintf("chatlink: gave up after %d reconnect attempts: %v", e.Attempt, e.Err)
	case FatalAuth:
		return fmt.Sprintf("chatlink: authentication failed: %v", e.Err)
	default:
		return fmt.Sprintf("chatlink: fatal %s: %v", e.Kind, e.Err)
	}
}

func (e *FatalError) Unwrap() error { return e.Err }

type Handler func(Event)

type handlerEntry struct {
	id uint64
	fn Handler
}

// emitter delivers events one at a time, in emit order, from a single
// goroutine that exists only while events are pending. Handlers may call back
// into the Client.
type emitter struct {
	log *zap.Logger

	mu       sync.Mutex
	handlers map[EventType][]handlerEntry
	nextHID  uint64
	pending  []Event
	running  bool
	sealed   bool
	idle     *sync.Cond
}

func newEmitter(log *zap.Logger) *emitter {
	e := &emitter{
		log:      log,
		handlers: make(map[EventType][]handlerEntry),
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// subscribe 注册并返回取消函数
func (e *emitter) subscribe(t EventType, fn Handler) (cancel func()) {
	e.mu.Lock()
	e.nextHID++
	id := e.nextHID
	e.handlers[t] = append(e.handlers[t], handlerEntry{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			entries := e.handlers[t]
			filtered := make([]handlerEntry, 0, len(entries))
			for _, h := range entries {
				if h.id != id {
					filtered = append(filtered, h)
				}
			}
			if len(filtered) == 0 {
				delete(e.handlers, t)
			} else {
				e.handlers[t] = filtered
			}
		})
	}
}

func (e *emitter) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.Lock()
	if e.sealed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, ev)
	start := !e.running
	e.running = true
	e.mu.Unlock()
	if start {
		go e.run()
	}
}

// seal queues ev as the last event; later emits are dropped until unseal.
func (e *emitter) seal(ev Event) {
	e.emit(ev)
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

func (e *emitter) unseal() {
	e.mu.Lock()
	e.sealed = false
	e.mu.Unlock()
}

// wait blocks until every pending event has been delivered.
func (e *emitter) wait() {
	e.mu.Lock()
	for e.running {
		e.idle.Wait()
	}
	e.mu.Unlock()
}

func (e *emitter) run() {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.running = false
			e.pending = nil
			e.idle.Broadcast()
			e.mu.Unlock()
			return
		}
		ev := e.pending[0]
		e.pending[0] = Event{}
		e.pending = e.pending[1:]
		hs := make([]handlerEntry, 0, len(e.handlers[ev.Type])+len(e.handlers[EventAny]))
		hs = append(hs, e.handlers[ev.Type]...)
		hs = append(hs, e.handlers[EventAny]...)
		e.mu.Unlock()

		for _, h := range hs {
			e.call(h.fn, ev)
		}
	}
}

func (e *emitter) call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Sugar().Errorw("event_handler_panic", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
