package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Json     = "json"
	Protobuf = "protobuf"
)

// DefaultMaxFrameSize 单帧上限 1MB
const DefaultMaxFrameSize = 1 << 20

var (
	ErrMissingType   = errors.New("protocol: missing field: type")
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

var codecFactories = map[string]func() Codec{
	Json:     func() Codec { return JSONCodec{} },
	Protobuf: func() Codec { return ProtobufCodec{} },
}

// Codec 帧编解码器
type Codec interface {
	Name() string
	// Binary reports whether encoded frames go out as binary websocket messages.
	Binary() bool
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte, maxSize int) (*Frame, error)
}

// NewCodec 根据名称创建编解码器，空名称返回 JSON
func NewCodec(name string) (Codec, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "":
		n = Json
	case "pb", "proto":
		n = Protobuf
	}
	if factory, ok := codecFactories[n]; ok {
		return factory(), nil
	}
	return nil, fmt.Errorf("unsupported codec: %s", name)
}

func checkSize(data []byte, maxSize int) error {
	if maxSize > 0 && len(data) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), maxSize)
	}
	return nil
}
