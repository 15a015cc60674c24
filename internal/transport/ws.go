package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hongjun500/chatlink/internal/protocol"
	"github.com/hongjun500/chatlink/pkg/logger"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second

	// CloseAbnormal 对端未发送 close 帧就断开
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// WSDialer dials WebSocket connections with gorilla/websocket.
type WSDialer struct {
	Codec            protocol.Codec // defaults to JSON
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameSize     int         // read limit in bytes, defaults to protocol.DefaultMaxFrameSize
	Header           http.Header // extra handshake headers
	Logger           *zap.Logger
}

var _ Dialer = (*WSDialer)(nil)

// wsConn implements Conn for a client-side WebSocket
type wsConn struct {
	conn         *websocket.Conn
	codec        protocol.Codec
	handler      Handler
	writeTimeout time.Duration
	maxFrameSize int
	log          *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeChan chan struct{}

	mu          sync.Mutex
	localCode   int
	localReason string
	local       bool

	closedOnce sync.Once
}

func (d *WSDialer) Dial(ctx context.Context, url string, h Handler) (Conn, error) {
	if h == nil {
		h = func(Inbound) {}
	}
	codec := d.Codec
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	hsTimeout := d.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = DefaultHandshakeTimeout
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = DefaultWriteTimeout
	}
	maxSize := d.MaxFrameSize
	if maxSize <= 0 {
		maxSize = protocol.DefaultMaxFrameSize
	}
	log := d.Logger
	if log == nil {
		log = logger.Named("transport")
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hsTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized.WithContext(resp.Status).Wrap(err)
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return nil, ErrHandshakeFailed.Wrap(err)
		}
		return nil, err
	}
	// 读上限比单帧上限多留一点 websocket 头部余量
	conn.SetReadLimit(int64(maxSize) + 512)

	c := &wsConn{
		conn:         conn,
		codec:        codec,
		handler:      h,
		writeTimeout: wt,
		maxFrameSize: maxSize,
		log:          log,
		closeChan:    make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		c.handler(Inbound{Kind: KindHeartbeat})
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		c.handler(Inbound{Kind: KindHeartbeat})
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	log.Sugar().Debugw("ws_dial", "url", url, "codec", codec.Name())
	go c.readLoop()
	return c, nil
}

func (c *wsConn) Send(ctx context.Context, f *protocol.Frame) error {
	select {
	case <-c.closeChan:
		return ErrConnClosed
	default:
	}
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	if len(data) > c.maxFrameSize {
		return ErrFrameTooLarge.WithContext(string(f.Type))
	}
	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(mt, data); err != nil {
		select {
		case <-c.closeChan:
			return ErrConnClosed.Wrap(err)
		default:
		}
		return err
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.local = true
		c.localCode = code
		c.localReason = reason
		c.mu.Unlock()

		close(c.closeChan)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.conn.Close()
	})

	c.handler(Inbound{Kind: KindOpened})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.emitClosed(err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		f, err := c.codec.Decode(data, c.maxFrameSize)
		if err != nil {
			c.log.Sugar().Debugw("ws_decode_error", "err", err, "size", len(data))
			c.handler(Inbound{Kind: KindError, Err: ErrMalformedFrame.Wrap(err), Reason: err.Error()})
			continue
		}
		c.handler(classify(f))
	}
}

// emitClosed 保证 Closed 只触发一次，本地关闭时上报本地的 code/reason
func (c *wsConn) emitClosed(readErr error) {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		local, code, reason := c.local, c.localCode, c.localReason
		c.mu.Unlock()

		ev := Inbound{Kind: KindClosed}
		var ce *websocket.CloseError
		switch {
		case local:
			ev.Code, ev.Reason = code, reason
		case errors.As(readErr, &ce):
			ev.Code, ev.Reason = ce.Code, ce.Text
			if ce.Code == CloseAbnormal {
				ev.Err = readErr
			}
		default:
			ev.Code, ev.Reason, ev.Err = CloseAbnormal, readErr.Error(), readErr
		}
		c.handler(ev)
	})
}
