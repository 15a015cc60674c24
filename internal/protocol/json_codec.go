package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type JSONCodec struct{}

func (JSONCodec) Name() string { return Json }

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil || f.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(f)
}

func (JSONCodec) Decode(data []byte, maxSize int) (*Frame, error) {
	if err := checkSize(data, maxSize); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("payload not object")
	}
	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}
