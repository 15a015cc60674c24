package transport

import (
	"fmt"
)

// 传输层错误定义
var (
	ErrConnClosed      = NewError(1001, "connection is closed", "")
	ErrInvalidCodec    = NewError(1002, "invalid codec", "")
	ErrFrameTooLarge   = NewError(1003, "frame too large", "")
	ErrMalformedFrame  = NewError(1004, "malformed frame", "")
	ErrUnauthorized    = NewError(1005, "credentials rejected", "")
	ErrServerReported  = NewError(1006, "server reported error", "")
	ErrHandshakeFailed = NewError(1007, "handshake failed", "")
)

// Error 带错误码的传输层错误，errors.Is 按错误码比较
type Error struct {
	Code    int
	Msg     string
	Context string
	cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("Error %d: %s", e.Code, e.Msg)
	if e.Context != "" {
		s += fmt.Sprintf(" (context: %s)", e.Context)
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithContext 返回带上下文描述的副本
func (e *Error) WithContext(context string) *Error {
	cp := *e
	cp.Context = context
	return &cp
}

// Wrap 返回包装 cause 的副本
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

func NewError(code int, message string, context string) *Error {
	return &Error{
		Code:    code,
		Msg:     message,
		Context: context,
	}
}
