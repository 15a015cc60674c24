// Package redisstore persists undelivered outbound messages in a Redis list.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hongjun500/chatlink/internal/queue"
)

const DefaultKey = "chatlink:outbound"

type Store struct {
	cli *redis.Client
	key string
}

var _ queue.Store = (*Store)(nil)

func New(addr string, db int, key string) *Store {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return NewWithClient(cli, key)
}

func NewWithClient(cli *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{cli: cli, key: key}
}

// Save replaces the stored list atomically.
func (s *Store) Save(ctx context.Context, msgs []queue.Message) error {
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode %s: %w", m.ID, err)
		}
		values = append(values, b)
	}
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.RPush(ctx, s.key, values...)
		}
		return nil
	})
	return err
}

// Load returns the stored messages in order and deletes the list.
func (s *Store) Load(ctx context.Context) ([]queue.Message, error) {
	var lr *redis.StringSliceCmd
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lr = pipe.LRange(ctx, s.key, 0, -1)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	raws, err := lr.Result()
	if err != nil {
		return nil, err
	}
	out := make([]queue.Message, 0, len(raws))
	for _, raw := range raws {
		var m queue.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return out, fmt.Errorf("decode stored message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Close() error { return s.cli.Close() }
