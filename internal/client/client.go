// Package client keeps one realtime connection alive on behalf of its caller.
// Sends are buffered while disconnected and flushed in order once the
// connection is usable again. Liveness is checked with heartbeats and dropped
// connections are retried with bounded backoff. State changes are reported as
// events.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hongjun500/chatlink/internal/backoff"
	"github.com/hongjun500/chatlink/internal/heartbeat"
	"github.com/hongjun500/chatlink/internal/observe"
	"github.com/hongjun500/chatlink/internal/protocol"
	"github.com/hongjun500/chatlink/internal/queue"
	"github.com/hongjun500/chatlink/internal/transport"
	"github.com/hongjun500/chatlink/pkg/logger"
)

const (
	closePolicyViolation = 1008
	persistTimeout       = 5 * time.Second
)

var (
	// ErrAuthRejected 服务端返回 auth_error 或在认证阶段以 1008 关闭
	ErrAuthRejected = errors.New("server rejected credentials")
	// ErrAuthTimeout AuthTimeout 内未收到 auth_ok/auth_error，按瞬时错误重试
	ErrAuthTimeout = errors.New("auth handshake timed out")
	// ErrHeartbeatTimeout 连续丢失心跳达到 MaxConsecutiveMisses
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	errStale = errors.New("stale connection")
)

// ReconnectAttempt 重连计数，只在进入 Open 时清零
type ReconnectAttempt struct {
	Count       int
	ScheduledAt time.Time
	Delay       time.Duration
}

type Client struct {
	cfg     Config
	name    string
	log     *zap.Logger
	dialer  transport.Dialer
	store   queue.Store
	policy  backoff.Policy
	limiter *rate.Limiter

	queue  *queue.Queue
	events *emitter

	storeMu  sync.Mutex // 串行化 store 的 Load/Save
	restored bool

	mu           sync.Mutex
	state        State
	gen          uint64 // 每次丢弃连接 +1，旧回调据此失效
	ctx          context.Context
	cancel       context.CancelFunc
	conn         transport.Conn
	hb           *heartbeat.Monitor
	attempt      ReconnectAttempt
	retryTimer   *time.Timer
	authTimer    *time.Timer
	drainBlocked bool
	flushPending bool
	flushing     bool
}

// New validates cfg and returns an idle client. Invalid configuration is the
// only error.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:   cfg,
		name:  "default",
		queue: queue.New(),
		state: StateIdle,
		ctx:   context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("client")
	}
	c.log = c.log.With(zap.String("client", c.name))
	if c.dialer == nil {
		codec, err := protocol.NewCodec(cfg.Codec)
		if err != nil {
			return nil, fmt.Errorf("client config: %w", err)
		}
		c.dialer = &transport.WSDialer{Codec: codec, Logger: c.log.Named("transport")}
	}
	c.policy = cfg.policy()
	if cfg.DrainRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.DrainRate), 1)
	}
	c.events = newEmitter(c.log)
	observe.SetState(c.name, "", StateIdle.String())
	return c, nil
}

// Connect starts connecting in the background. It does nothing while a
// connection is being established, is open, or is waiting to be retried.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.active() {
		return
	}
	c.events.unseal()
	c.attempt = ReconnectAttempt{}
	c.startLocked()
}

// Reconnect drops the current connection, if any, and starts a fresh attempt
// with the attempt counter reset. After a give-up or an auth failure it is the
// way back in. A pending backoff wait is skipped.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting, StateAuthenticating:
		return
	case StateIdle, StateClosed:
		c.events.unseal()
	}
	c.attempt = ReconnectAttempt{}
	c.startLocked()
}

// Disconnect closes the connection for good: no automatic reconnect follows.
// Calling it again is a no-op. Queued messages stay queued and are handed to
// the store, if one is configured. The closed event is the last event
// delivered until the next Connect.
func (c *Client) Disconnect(code int, reason string) {
	if code == 0 {
		code = CloseNormal
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.disposeLocked()
	c.setStateLocked(StateClosed)
	c.events.seal(Event{Type: EventClosed, Code: code, Reason: reason})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(code, reason)
	}
	c.persist()
	c.log.Sugar().Infow("disconnected", "code", code, "reason", reason, "queued", c.queue.Size())
}

// Send queues payload for delivery and returns the message id. It never
// blocks on the network; the only error is a payload that cannot be encoded
// as JSON.
func (c *Client) Send(payload any) (string, error) {
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	m := queue.NewMessage(raw)
	c.queue.Enqueue(m)
	observe.SetQueueDepth(c.name, c.queue.Size())

	c.mu.Lock()
	if c.state.CanSend() && !c.drainBlocked {
		c.requestFlushLocked()
	}
	c.mu.Unlock()
	return m.ID, nil
}

// On subscribes h to events of type t (EventAny for all). The returned
// function unsubscribes.
func (c *Client) On(t EventType, h Handler) func() {
	return c.events.subscribe(t, h)
}

func (c *Client) Name() string { return c.name }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) QueueSize() int { return c.queue.Size() }

// ClearQueue drops every undelivered message and returns how many there were.
func (c *Client) ClearQueue() int {
	n := c.queue.Clear()
	observe.SetQueueDepth(c.name, 0)
	return n
}

// Heartbeat returns the current connection's heartbeat status, or the zero
// Status when not connected.
func (c *Client) Heartbeat() heartbeat.Status {
	c.mu.Lock()
	hb := c.hb
	c.mu.Unlock()
	if hb == nil {
		return heartbeat.Status{}
	}
	return hb.Status()
}

func (c *Client) Attempt() ReconnectAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// ---- connection lifecycle ----

func (c *Client) startLocked() {
	closeAsync(c.disposeLocked(), CloseNormal, "reconnect")
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	c.setStateLocked(StateConnecting)
	go c.dial(ctx, c.gen)
}

// disposeLocked invalidates every callback of the current generation and
// returns the connection for the caller to close.
func (c *Client) disposeLocked() transport.Conn {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	stopTimer(&c.retryTimer)
	stopTimer(&c.authTimer)
	if c.hb != nil {
		c.hb.Stop()
		c.hb = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

// setStateLocked moves the client to `to`, updates the state gauge and emits
// a state event. Moves missing from the transition table are logged and
// dropped.
func (c *Client) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		c.log.Sugar().Errorw("illegal_state_transition", "from", from.String(), "to", to.String())
		return
	}
	c.state = to
	observe.SetState(c.name, from.String(), to.String())
	c.log.Sugar().Debugw("state_change", "from", from.String(), "to", to.String())
	c.events.emit(Event{Type: EventState, From: from, State: to})
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	if c.store != nil {
		c.restore(ctx)
	}

	authRequired := c.cfg.TokenProvider != nil
	var token string
	if authRequired {
		tok, err := c.cfg.TokenProvider(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			if gen == c.gen {
				c.fatalLocked(FatalAuth, fmt.Errorf("token provider: %w", err))
			}
			c.mu.Unlock()
			return
		}
		token = tok
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(dctx, c.cfg.URL, func(ev transport.Inbound) { c.onInbound(gen, ev) })
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "stale")
		}
		return
	}
	if err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			c.fatalLocked(FatalAuth, err)
		} else {
			c.log.Sugar().Warnw("dial_failed", "url", c.cfg.URL, "err", err)
			c.scheduleReconnectLocked(err)
		}
		c.mu.Unlock()
		return
	}
	c.conn = conn
	if !authRequired {
		c.openLocked(gen)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateAuthenticating)
	c.authTimer = time.AfterFunc(c.cfg.AuthTimeout, func() { c.onAuthTimeout(gen) })
	c.mu.Unlock()

	f, err := protocol.NewFrame(protocol.TypeAuth, protocol.AuthPayload{Token: token})
	if err == nil {
		err = conn.Send(ctx, f)
	}
	if err != nil {
		c.mu.Lock()
		if gen == c.gen && c.state == StateAuthenticating {
			c.scheduleReconnectLocked(fmt.Errorf("send auth: %w", err))
		}
		c.mu.Unlock()
	}
}

func (c *Client) openLocked(gen uint64) {
	c.attempt = ReconnectAttempt{}
	c.drainBlocked = false
	c.setStateLocked(StateOpen)
	c.events.emit(Event{Type: EventOpened})

	c.hb = heartbeat.New(heartbeat.Config{
		PingInterval: c.cfg.PingInterval,
		PongTimeout:  c.cfg.PongTimeout,
	}, c.probe(gen), hbReporter{c: c, gen: gen})
	c.hb.Start()

	c.log.Sugar().Infow("connection_open", "url", c.cfg.URL, "queued", c.queue.Size())
	c.requestFlushLocked()
}

func (c *Client) onAuthTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateAuthenticating {
		return
	}
	c.scheduleReconnectLocked(ErrAuthTimeout)
}

// connectionLostLocked reports an established connection that went away and
// schedules the next attempt.
func (c *Client) connectionLostLocked(code int, reason string, cause error) {
	c.events.emit(Event{Type: EventClosed, Code: code, Reason: reason, Err: cause})
	c.scheduleReconnectLocked(cause)
}

func (c *Client) scheduleReconnectLocked(cause error) {
	closeAsync(c.disposeLocked(), CloseNormal, "reconnect")
	if c.policy.ShouldGiveUp(c.attempt.Count) {
		c.fatalLocked(FatalGiveUp, cause)
		return
	}
	delay := c.policy.JitteredDelay(c.attempt.Count)
	c.attempt = ReconnectAttempt{
		Count:       c.attempt.Count + 1,
		ScheduledAt: time.Now(),
		Delay:       delay,
	}
	gen := c.gen
	c.setStateLocked(StateReconnecting)
	observe.IncReconnect(c.name)
	c.log.Sugar().Warnw("reconnect_scheduled", "attempt", c.attempt.Count, "delay", delay, "err", cause)
	c.events.emit(Event{Type: EventReconnecting, Attempt: c.attempt.Count, Delay: delay, Err: cause})
	c.retryTimer = time.AfterFunc(delay, func() { c.onRetry(gen) })
}

func (c *Client) onRetry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.startLocked()
}

func (c *Client) fatalLocked(kind FatalKind, cause error) {
	code := CloseNormal
	if kind == FatalAuth {
		code = closePolicyViolation
	}
	closeAsync(c.disposeLocked(), code, string(kind))
	c.setStateLocked(StateClosed)

	fe := &FatalError{Kind: kind, Attempt: c.attempt.Count, Err: cause}
	observe.IncFatal(string(kind))
	c.log.Sugar().Errorw("connection_fatal", "kind", kind, "attempt", fe.Attempt, "err", cause)
	c.events.emit(Event{Type: EventFatal, Attempt: fe.Attempt, Err: fe})
	if c.store != nil {
		go c.persist()
	}
}

// ---- inbound ----

func (c *Client) onInbound(gen uint64, ev transport.Inbound) {
	if ev.Kind != transport.KindOpened && ev.Kind != transport.KindClosed {
		c.observeLiveness(gen)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateClosed {
		return
	}
	if ev.Frame != nil {
		observe.IncReceived(string(ev.Frame.Type))
	}

	switch ev.Kind {
	case transport.KindOpened:
		c.log.Debug("transport_opened")
	case transport.KindHeartbeat:
		if ev.Frame != nil && ev.Frame.Type == protocol.TypePing && c.conn != nil {
			pong := &protocol.Frame{Type: protocol.TypePong, Payload: ev.Frame.Payload, Timestamp: time.Now().UTC()}
			go sendControl(c.ctx, c.conn, pong)
		}
		c.events.emit(Event{Type: EventHeartbeat, Frame: ev.Frame})
	case transport.KindMessage:
		c.onFrameLocked(gen, ev.Frame)
	case transport.KindError:
		if ev.Frame == nil {
			observe.IncParseError()
		}
		c.log.Sugar().Debugw("inbound_error", "reason", ev.Reason, "err", ev.Err)
		c.events.emit(Event{Type: EventError, Frame: ev.Frame, Reason: ev.Reason, Err: ev.Err})
	case transport.KindClosed:
		c.onTransportClosedLocked(ev)
	}
}

func (c *Client) onFrameLocked(gen uint64, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeAuthOK:
		if c.state != StateAuthenticating {
			return
		}
		stopTimer(&c.authTimer)
		c.openLocked(gen)
	case protocol.TypeAuthError:
		if c.state != StateAuthenticating {
			return
		}
		var p protocol.AuthResultPayload
		_ = f.DecodePayload(&p)
		c.fatalLocked(FatalAuth, fmt.Errorf("%w: %s", ErrAuthRejected, p.Reason))
	case protocol.TypeClearMessages:
		c.events.emit(Event{Type: EventClearMessages, Frame: f})
	default:
		c.events.emit(Event{Type: EventMessage, Frame: f, Payload: f.Payload})
	}
}

func (c *Client) onTransportClosedLocked(ev transport.Inbound) {
	cause := ev.Err
	if cause == nil {
		cause = fmt.Errorf("connection closed: %d %s", ev.Code, ev.Reason)
	}
	switch c.state {
	case StateConnecting:
		c.scheduleReconnectLocked(cause)
	case StateAuthenticating:
		// 部分服务端不发 auth_error，直接以 1008 关闭
		if ev.Code == closePolicyViolation {
			c.fatalLocked(FatalAuth, fmt.Errorf("%w: %s", ErrAuthRejected, ev.Reason))
			return
		}
		c.scheduleReconnectLocked(cause)
	case StateOpen, StateDegraded:
		c.connectionLostLocked(ev.Code, ev.Reason, cause)
	}
}

func (c *Client) observeLiveness(gen uint64) {
	c.mu.Lock()
	var hb *heartbeat.Monitor
	if gen == c.gen {
		hb = c.hb
	}
	c.mu.Unlock()
	if hb != nil {
		hb.Observe()
	}
}

// ---- heartbeat ----

type hbReporter struct {
	c   *Client
	gen uint64
}

func (r hbReporter) OnMiss(st heartbeat.Status)    { r.c.onHeartbeatMiss(r.gen, st) }
func (r hbReporter) OnRecover(st heartbeat.Status) { r.c.onHeartbeatRecover(r.gen) }

func (c *Client) onHeartbeatMiss(gen uint64, st heartbeat.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.state.CanSend() {
		return
	}
	observe.IncHeartbeatMiss()
	c.log.Sugar().Warnw("heartbeat_miss", "misses", st.ConsecutiveMisses, "last_ack", st.LastAckAt)
	if st.ConsecutiveMisses >= c.cfg.MaxConsecutiveMisses {
		closeAsync(c.disposeLocked(), CloseHeartbeatTimeout, ErrHeartbeatTimeout.Error())
		c.connectionLostLocked(CloseHeartbeatTimeout, ErrHeartbeatTimeout.Error(), ErrHeartbeatTimeout)
		return
	}
	if c.state == StateOpen {
		c.setStateLocked(StateDegraded)
	}
}

func (c *Client) onHeartbeatRecover(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateDegraded {
		return
	}
	c.setStateLocked(StateOpen)
}

func (c *Client) probe(gen uint64) heartbeat.Probe {
	var seq atomic.Int64
	return func() error {
		c.mu.Lock()
		conn, ctx := c.conn, c.ctx
		ok := gen == c.gen && conn != nil
		c.mu.Unlock()
		if !ok {
			return errStale
		}
		f, err := protocol.NewFrame(protocol.TypePing, protocol.PingPayload{Seq: seq.Add(1)})
		if err != nil {
			return err
		}
		return conn.Send(ctx, f)
	}
}

// ---- outbound ----

// requestFlushLocked makes sure a flusher goroutine will drain the queue.
// At most one flusher runs at a time, so frames leave in queue order.
func (c *Client) requestFlushLocked() {
	c.flushPending = true
	if c.flushing {
		return
	}
	c.flushing = true
	go c.flushLoop()
}

func (c *Client) flushLoop() {
	for {
		c.mu.Lock()
		if !c.flushPending {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		c.flushPending = false
		ok := c.state.CanSend() && !c.drainBlocked && c.conn != nil
		ctx, gen, conn := c.ctx, c.gen, c.conn
		c.mu.Unlock()

		if ok {
			c.drain(ctx, gen, conn)
		}
	}
}

func (c *Client) drain(ctx context.Context, gen uint64, conn transport.Conn) {
	err := c.queue.Drain(func(m queue.Message) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if !c.sendable(gen) {
			return errStale
		}
		f := &protocol.Frame{ID: m.ID, Type: protocol.TypeMessage, Payload: m.Payload, Timestamp: time.Now().UTC()}
		if err := conn.Send(ctx, f); err != nil {
			return err
		}
		observe.IncSent()
		return nil
	})
	observe.SetQueueDepth(c.name, c.queue.Size())
	if err == nil || errors.Is(err, errStale) || ctx.Err() != nil {
		return
	}

	observe.IncSendFailure()
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	// 发送失败：消息留在队首，直到下一次 Open 才继续刷
	c.drainBlocked = true
	c.log.Sugar().Warnw("drain_suspended", "err", err, "queued", c.queue.Size())
	c.events.emit(Event{Type: EventError, Reason: "send failed", Err: err})
}

func (c *Client) sendable(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state.CanSend()
}

// ---- persistence ----

// restore loads persisted messages into the queue. The store is read at most
// once per client; later dials already hold everything in memory.
func (c *Client) restore(ctx context.Context) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.loadStoreLocked(ctx)
}

func (c *Client) loadStoreLocked(ctx context.Context) {
	if c.restored {
		return
	}
	msgs, err := c.store.Load(ctx)
	if err != nil {
		c.log.Sugar().Warnw("queue_restore_failed", "err", err)
		return
	}
	c.restored = true
	if n := c.queue.Restore(msgs); n > 0 {
		observe.SetQueueDepth(c.name, c.queue.Size())
		c.log.Sugar().Infow("queue_restored", "count", n)
	}
}

// persist hands the undelivered queue to the store. Anything still in the
// store is merged in first, since Save replaces.
func (c *Client) persist() {
	if c.store == nil {
		return
	}
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	c.loadStoreLocked(ctx)
	msgs := c.queue.Snapshot()
	if err := c.store.Save(ctx, msgs); err != nil {
		c.log.Sugar().Warnw("queue_persist_failed", "count", len(msgs), "err", err)
	}
}

// ---- helpers ----

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeAsync(conn transport.Conn, code int, reason string) {
	if conn == nil {
		return
	}
	go func() { _ = conn.Close(code, reason) }()
}

func sendControl(ctx context.Context, conn transport.Conn, f *protocol.Frame) {
	_ = conn.Send(ctx, f)
}
