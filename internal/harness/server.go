// Package harness is a loopback realtime server speaking the chatlink frame
// protocol. It backs the integration tests and cmd/chatlink-server.
package harness

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hongjun500/chatlink/internal/auth"
	"github.com/hongjun500/chatlink/internal/protocol"
	"github.com/hongjun500/chatlink/pkg/logger"
)

type Options struct {
	Codec        protocol.Codec // defaults to JSON
	Path         string         // WebSocket endpoint path, defaults to "/ws"
	Secret       []byte         // when set, an HS256 auth frame is required first
	AuthTimeout  time.Duration
	Echo         bool // echo message frames back to the sender
	MaxFrameSize int
	Logger       *zap.Logger
}

// Server WebSocket 测试服务端
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	sessions *SessionManager
	log      *zap.Logger

	silent          atomic.Bool
	rejectHandshake atomic.Bool
	accepted        atomic.Int64
	pings           atomic.Int64

	mu       sync.Mutex
	received []*protocol.Frame
}

func New(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("harness")
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: NewSessionManager(),
		log:      opts.Logger,
	}
}

// Handler 返回挂载在 Path 上的 mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleConnection)
	return mux
}

// Start listens on addr and blocks until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.log.Sugar().Infow("websocket_listen", "addr", addr, "path", s.opts.Path, "auth", len(s.opts.Secret) > 0)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.DropAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetSilent makes the server stop answering anything, pings included.
func (s *Server) SetSilent(v bool) { s.silent.Store(v) }

// SetRejectHandshake makes new upgrades fail with 401.
func (s *Server) SetRejectHandshake(v bool) { s.rejectHandshake.Store(v) }

// DropAll 断开全部连接（不发 close 帧）
func (s *Server) DropAll() {
	for _, sess := range s.sessions.All() {
		sess.drop()
	}
}

// CloseAll 以 close 帧关闭全部连接
func (s *Server) CloseAll(code int, reason string) {
	for _, sess := range s.sessions.All() {
		sess.closeWith(code, reason)
	}
}

// Broadcast 发送给全部连接，返回成功数
func (s *Server) Broadcast(f *protocol.Frame) int {
	n := 0
	for _, sess := range s.sessions.All() {
		if err := sess.send(f); err == nil {
			n++
		}
	}
	return n
}

// BroadcastRaw 发送未经编码的原始数据，用于构造畸形帧
func (s *Server) BroadcastRaw(data []byte) int {
	n := 0
	for _, sess := range s.sessions.All() {
		if err := sess.sendRaw(data); err == nil {
			n++
		}
	}
	return n
}

// Received returns a copy of every message frame received so far.
func (s *Server) Received() []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Frame, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Server) Sessions() int64 { return s.sessions.Count() }

func (s *Server) Accepted() int64 { return s.accepted.Load() }

func (s *Server) Pings() int64 { return s.pings.Load() }

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if s.rejectHandshake.Load() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Sugar().Warnw("ws_upgrade_error", "err", err)
		return
	}
	conn.SetReadLimit(int64(s.opts.MaxFrameSize) + 512)
	s.accepted.Add(1)

	sess := newSession(uuid.NewString(), conn, s.opts.Codec)
	s.sessions.Add(sess)
	defer func() {
		s.sessions.Remove(sess.id)
		sess.drop()
	}()
	s.log.Sugar().Debugw("session_open", "id", sess.id, "remote", conn.RemoteAddr().String())

	if len(s.opts.Secret) > 0 && !s.authenticate(sess) {
		return
	}

	router := s.routerFor(sess)
	s.log.Sugar().Debugw("session_ready", "id", sess.id, "types", router.Types())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Sugar().Debugw("session_close", "id", sess.id, "err", err)
			return
		}
		if s.silent.Load() {
			continue
		}
		f, err := s.opts.Codec.Decode(data, s.opts.MaxFrameSize)
		if err != nil {
			s.replyError(sess, http.StatusBadRequest, "malformed frame: "+err.Error())
			continue
		}
		if err := router.Dispatch(f); err != nil {
			s.replyError(sess, http.StatusBadRequest, err.Error())
		}
	}
}

func (s *Server) authenticate(sess *session) bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	_, data, err := sess.conn.ReadMessage()
	if err != nil {
		return false
	}
	_ = sess.conn.SetReadDeadline(time.Time{})

	reject := func(reason string) bool {
		if f, err := protocol.NewFrame(protocol.TypeAuthError, protocol.AuthResultPayload{Reason: reason}); err == nil {
			_ = sess.send(f)
		}
		sess.closeWith(websocket.ClosePolicyViolation, reason)
		s.log.Sugar().Infow("auth_rejected", "id", sess.id, "reason", reason)
		return false
	}

	f, err := s.opts.Codec.Decode(data, s.opts.MaxFrameSize)
	if err != nil || f.Type != protocol.TypeAuth {
		return reject("auth frame required")
	}
	var p protocol.AuthPayload
	if err := f.DecodePayload(&p); err != nil || p.Token == "" {
		return reject("missing token")
	}
	if _, err := auth.Verify(s.opts.Secret, p.Token); err != nil {
		return reject("invalid token")
	}
	ok, err := protocol.NewFrame(protocol.TypeAuthOK, protocol.AuthResultPayload{Session: sess.id})
	if err != nil {
		return false
	}
	return sess.send(ok) == nil
}

func (s *Server) routerFor(sess *session) *protocol.Router {
	r := protocol.NewRouter()
	r.Handle(protocol.TypePing, func(f *protocol.Frame) error {
		s.pings.Add(1)
		pong, err := protocol.NewFrame(protocol.TypePong, f.Payload)
		if err != nil {
			return err
		}
		return sess.send(pong)
	})
	r.Handle(protocol.TypePong, func(*protocol.Frame) error { return nil })
	r.Handle(protocol.TypeHeartbeat, func(*protocol.Frame) error { return nil })
	r.Handle(protocol.TypeAuth, func(*protocol.Frame) error { return nil })
	r.Handle(protocol.TypeMessage, func(f *protocol.Frame) error {
		s.mu.Lock()
		s.received = append(s.received, f)
		s.mu.Unlock()
		if !s.opts.Echo {
			return nil
		}
		echo, err := protocol.NewFrame(protocol.TypeMessage, f.Payload)
		if err != nil {
			return err
		}
		return sess.send(echo)
	})
	r.Handle(protocol.TypeClearMessages, func(*protocol.Frame) error {
		s.mu.Lock()
		s.received = nil
		s.mu.Unlock()
		f, err := protocol.NewFrame(protocol.TypeClearMessages, nil)
		if err != nil {
			return err
		}
		s.Broadcast(f)
		return nil
	})
	return r
}

func (s *Server) replyError(sess *session, code int, msg string) {
	f, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = sess.send(f)
}
