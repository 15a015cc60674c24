package transport

import (
	"context"

	"github.com/hongjun500/chatlink/internal/protocol"
)

const WebSocket = "websocket"

// Kind tags an Inbound event.
type Kind uint8

const (
	KindOpened Kind = iota + 1
	KindMessage
	KindHeartbeat
	KindError
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindMessage:
		return "message"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Inbound 传输层产生的入站事件
//
//	Opened            连接建立
//	Message(Frame)    业务帧
//	Heartbeat(Frame?) ping/pong/heartbeat 帧或 websocket 控制帧
//	Error(Err,Frame?) 帧解析失败或服务端 error 帧，不影响连接
//	Closed(Code,Reason) 每个连接恰好一次
type Inbound struct {
	Kind   Kind
	Frame  *protocol.Frame
	Code   int
	Reason string
	Err    error
}

// Handler receives inbound events sequentially, in wire order, from the
// connection's reader goroutine.
type Handler func(Inbound)

// Conn is one physical connection. It performs no retry.
type Conn interface {
	Send(ctx context.Context, f *protocol.Frame) error
	// Close is idempotent; the Closed event still fires exactly once.
	Close(code int, reason string) error
}

// Dialer opens connections. h is registered before the first frame is read.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Conn, error)
}

// classify maps a decoded frame onto an inbound kind.
func classify(f *protocol.Frame) Inbound {
	switch {
	case f.Type.IsLiveness():
		return Inbound{Kind: KindHeartbeat, Frame: f}
	case f.Type == protocol.TypeError:
		var p protocol.ErrorPayload
		_ = f.DecodePayload(&p)
		return Inbound{Kind: KindError, Frame: f, Reason: p.Message, Err: ErrServerReported.WithContext(p.Message)}
	default:
		return Inbound{Kind: KindMessage, Frame: f}
	}
}
