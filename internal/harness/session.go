package harness

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hongjun500/chatlink/internal/protocol"
)

// session 服务端单个连接
type session struct {
	id        string
	conn      *websocket.Conn
	codec     protocol.Codec
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeChan chan struct{}
}

func newSession(id string, conn *websocket.Conn, codec protocol.Codec) *session {
	return &session{id: id, conn: conn, codec: codec, closeChan: make(chan struct{})}
}

func (s *session) send(f *protocol.Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *session) sendRaw(data []byte) error {
	mt := websocket.TextMessage
	if s.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(mt, data)
}

// closeWith 发送 close 帧后关闭
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// drop 直接断开 TCP，不发 close 帧，模拟网络中断
func (s *session) drop() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		_ = s.conn.Close()
	})
}

// SessionManager 会话管理器
type SessionManager struct {
	m     sync.Map // key: id string, value: *session
	count int64
}

func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

func (sm *SessionManager) Add(s *session) {
	if s == nil {
		return
	}
	sm.m.Store(s.id, s)
	atomic.AddInt64(&sm.count, 1)
}

func (sm *SessionManager) Remove(id string) {
	if _, loaded := sm.m.LoadAndDelete(id); loaded {
		atomic.AddInt64(&sm.count, -1)
	}
}

func (sm *SessionManager) Count() int64 {
	return atomic.LoadInt64(&sm.count)
}

func (sm *SessionManager) All() []*session {
	out := make([]*session, 0)
	sm.m.Range(func(_, v any) bool {
		if s, ok := v.(*session); ok {
			out = append(out, s)
		}
		return true
	})
	return out
}
