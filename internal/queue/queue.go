// Package queue holds outbound messages that could not be sent yet.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message 待发送消息，在 transport.Send 成功前归队列所有
type Message struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// NewMessage 生成带唯一 ID 的消息
func NewMessage(payload json.RawMessage) Message {
	return Message{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Store persists undelivered messages across process restarts. Load consumes
// what it returns.
type Store interface {
	Save(ctx context.Context, msgs []Message) error
	Load(ctx context.Context) ([]Message, error)
}

// Queue 有序出站缓冲。只有 Clear 会丢弃消息
type Queue struct {
	mu    sync.Mutex
	items []Message
}

func New() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

// Restore puts msgs ahead of anything already queued, keeping their order.
// Messages whose ID is already queued are skipped. Returns how many were added.
func (q *Queue) Restore(msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]struct{}, len(q.items))
	for _, m := range q.items {
		seen[m.ID] = struct{}{}
	}
	items := make([]Message, 0, len(msgs)+len(q.items))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		items = append(items, m)
	}
	added := len(items)
	q.items = append(items, q.items...)
	return added
}

// Drain sends queued messages in FIFO order and stops at the first failure,
// leaving the failed message and everything behind it queued. A message is
// removed only after send returned nil for it. Callers serialize Drain.
func (q *Queue) Drain(send func(Message) error) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := send(head); err != nil {
			q.mu.Lock()
			if i := q.indexLocked(head.ID); i >= 0 {
				q.items[i].Attempts++
			}
			q.mu.Unlock()
			return err
		}

		// send 期间 Clear 可能已清空队列，Restore 可能已在前面插入消息，按 ID 删除
		q.mu.Lock()
		if i := q.indexLocked(head.ID); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
		}
		q.mu.Unlock()
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued message and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	return n
}

// Snapshot 拷贝当前队列内容，用于持久化或排查
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.items))
	copy(out, q.items)
	return out
}
