// Package redisstream mirrors inbound client traffic into a Redis stream so
// other processes (cmd/peek, archivers) can follow a conversation.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hongjun500/chatlink/internal/client"
)

type Bus struct {
	cli    *redis.Client
	stream string
	group  string
	maxLen int64
}

// Message 流中的一条记录
type Message struct {
	StreamID string          `json:"-"`
	Client   string          `json:"client"`
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	When     time.Time       `json:"when"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// New connects to addr. maxLen caps the stream approximately; 0 means no cap.
func New(addr string, db int, stream, group string, maxLen int64) *Bus {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return NewWithClient(cli, stream, group, maxLen)
}

func NewWithClient(cli *redis.Client, stream, group string, maxLen int64) *Bus {
	return &Bus{cli: cli, stream: stream, group: group, maxLen: maxLen}
}

func (b *Bus) Close() error { return b.cli.Close() }

func (b *Bus) Ping(ctx context.Context) error { return b.cli.Ping(ctx).Err() }

// EnsureGroup creates the stream and consumer group if they do not exist.
func (b *Bus) EnsureGroup(ctx context.Context) error {
	err := b.cli.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, m *Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: b.stream, Values: map[string]any{"data": payload}}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.cli.XAdd(ctx, args).Err()
}

// Mirror returns an event handler that publishes message and clear_messages
// events of the named client. Publish errors go to onErr, if set.
func (b *Bus) Mirror(name string, onErr func(error)) client.Handler {
	return func(ev client.Event) {
		if ev.Type != client.EventMessage && ev.Type != client.EventClearMessages {
			return
		}
		m := &Message{Client: name, Type: string(ev.Type), When: ev.Time, Payload: ev.Payload}
		if ev.Frame != nil {
			m.ID = ev.Frame.ID
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Publish(ctx, m); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

type Handler func(ctx context.Context, m *Message) error

// Consume blocks and delivers messages to handler until ctx is done.
func (b *Bus) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		res, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient errors: back off a little
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, str := range res {
			for _, xmsg := range str.Messages {
				raw, _ := xmsg.Values["data"].(string)
				var m Message
				if err := json.Unmarshal([]byte(raw), &m); err == nil {
					m.StreamID = xmsg.ID
					_ = handler(ctx, &m)
				}
				// Acknowledge
				_ = b.cli.XAck(ctx, b.stream, b.group, xmsg.ID).Err()
			}
		}
	}
}
