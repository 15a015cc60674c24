package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType 帧类型，对应 envelope 的 type 字段
type FrameType string

const (
	TypePing          FrameType = "ping"
	TypePong          FrameType = "pong"
	TypeHeartbeat     FrameType = "heartbeat"
	TypeMessage       FrameType = "message"
	TypeError         FrameType = "error"
	TypeClearMessages FrameType = "clear_messages"

	// 握手鉴权
	TypeAuth      FrameType = "auth"
	TypeAuthOK    FrameType = "auth_ok"
	TypeAuthError FrameType = "auth_error"
)

// IsLiveness reports whether frames of this type only prove the peer is alive.
func (t FrameType) IsLiveness() bool {
	return t == TypePing || t == TypePong || t == TypeHeartbeat
}

// Frame is the wire envelope: every frame is {type, payload, timestamp}.
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame builds a frame stamped with a fresh id and the current time.
// payload may be nil, a json.RawMessage, or any JSON-marshalable value.
func NewFrame(t FrameType, payload any) (*Frame, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MarshalPayload 将任意负载转成 RawMessage，RawMessage 原样返回
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

// DecodePayload 解析负载到 v
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, v)
}

// AuthPayload 客户端鉴权负载
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthResultPayload 服务端鉴权结果
type AuthResultPayload struct {
	Session string `json:"session,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorPayload 服务端上报的非致命错误
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// PingPayload 心跳 ping/pong 负载
type PingPayload struct {
	Seq int64 `json:"seq"`
}
