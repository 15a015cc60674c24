package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtobufCodec 将帧编码为 google.protobuf.Struct 二进制
type ProtobufCodec struct{}

func (ProtobufCodec) Name() string { return Protobuf }

func (ProtobufCodec) Binary() bool { return true }

func (ProtobufCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil || f.Type == "" {
		return nil, ErrMissingType
	}
	fields := map[string]*structpb.Value{
		"type":      structpb.NewStringValue(string(f.Type)),
		"timestamp": structpb.NewStringValue(f.Timestamp.UTC().Format(time.RFC3339Nano)),
	}
	if f.ID != "" {
		fields["id"] = structpb.NewStringValue(f.ID)
	}
	if len(f.Payload) > 0 {
		var v any
		if err := json.Unmarshal(f.Payload, &v); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		fields["payload"] = pv
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

func (ProtobufCodec) Decode(data []byte, maxSize int) (*Frame, error) {
	if err := checkSize(data, maxSize); err != nil {
		return nil, err
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	f := &Frame{
		ID:   s.GetFields()["id"].GetStringValue(),
		Type: FrameType(s.GetFields()["type"].GetStringValue()),
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	if ts := s.GetFields()["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		f.Timestamp = t
	}
	if pv, ok := s.GetFields()["payload"]; ok {
		raw, err := json.Marshal(pv.AsInterface())
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		f.Payload = raw
	}
	return f, nil
}
