package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(s string) Message {
	return NewMessage(json.RawMessage(fmt.Sprintf("%q", s)))
}

func payloads(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		var s string
		_ = json.Unmarshal(m.Payload, &s)
		out = append(out, s)
	}
	return out
}

func TestDrain_FIFO(t *testing.T) {
	q := New()
	for _, s := range []string{"m1", "m2", "m3"} {
		q.Enqueue(msg(s))
	}
	var sent []Message
	require.NoError(t, q.Drain(func(m Message) error { sent = append(sent, m); return nil }))
	assert.Equal(t, []string{"m1", "m2", "m3"}, payloads(sent))
	assert.Zero(t, q.Size())
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	q := New()
	for _, s := range []string{"m1", "m2", "m3", "m4"} {
		q.Enqueue(msg(s))
	}
	boom := errors.New("boom")
	var sent []string
	err := q.Drain(func(m Message) error {
		p := payloads([]Message{m})[0]
		if p == "m3" {
			return boom
		}
		sent = append(sent, p)
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"m1", "m2"}, sent)

	left := q.Snapshot()
	assert.Equal(t, []string{"m3", "m4"}, payloads(left))
	assert.Equal(t, 1, left[0].Attempts)
	assert.Equal(t, 0, left[1].Attempts)

	// retry picks up exactly where it stopped; nothing delivered twice
	sent = nil
	require.NoError(t, q.Drain(func(m Message) error { sent = append(sent, payloads([]Message{m})[0]); return nil }))
	assert.Equal(t, []string{"m3", "m4"}, sent)
}

func TestDrain_EnqueueDuringDrain(t *testing.T) {
	q := New()
	q.Enqueue(msg("a"))
	var sent []string
	require.NoError(t, q.Drain(func(m Message) error {
		p := payloads([]Message{m})[0]
		sent = append(sent, p)
		if p == "a" {
			q.Enqueue(msg("b"))
		}
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, sent)
}

func TestDrain_ClearDuringSend(t *testing.T) {
	q := New()
	q.Enqueue(msg("a"))
	q.Enqueue(msg("b"))
	calls := 0
	require.NoError(t, q.Drain(func(m Message) error {
		calls++
		q.Clear()
		q.Enqueue(msg("c"))
		if calls > 1 {
			q.Clear()
		}
		return nil
	}))
	assert.Zero(t, q.Size())
	assert.Equal(t, 2, calls, "a then c; b was cleared")
}

func TestDrain_RestoreDuringSend(t *testing.T) {
	q := New()
	q.Enqueue(msg("m1"))
	q.Enqueue(msg("m2"))
	restored := false
	counts := map[string]int{}
	var sent []string
	require.NoError(t, q.Drain(func(m Message) error {
		p := payloads([]Message{m})[0]
		counts[p]++
		sent = append(sent, p)
		if !restored {
			restored = true
			q.Restore([]Message{msg("p0")})
		}
		return nil
	}))
	assert.Zero(t, q.Size())
	assert.Equal(t, []string{"m1", "p0", "m2"}, sent)
	for p, n := range counts {
		assert.Equal(t, 1, n, "%s sent more than once", p)
	}
}

func TestDrain_FailureAfterRestoreCountsAttempt(t *testing.T) {
	q := New()
	q.Enqueue(msg("m1"))
	boom := errors.New("boom")
	err := q.Drain(func(m Message) error {
		q.Restore([]Message{msg("p0")})
		return boom
	})
	require.ErrorIs(t, err, boom)

	left := q.Snapshot()
	require.Equal(t, []string{"p0", "m1"}, payloads(left))
	assert.Equal(t, 0, left[0].Attempts)
	assert.Equal(t, 1, left[1].Attempts)
}

func TestRestore_PutsPersistedFirst(t *testing.T) {
	q := New()
	q.Enqueue(msg("new"))
	q.Restore([]Message{msg("old1"), msg("old2")})
	q.Restore(nil)
	assert.Equal(t, []string{"old1", "old2", "new"}, payloads(q.Snapshot()))
}

func TestRestore_SkipsQueuedIDs(t *testing.T) {
	q := New()
	a := msg("a")
	q.Enqueue(a)
	added := q.Restore([]Message{msg("old"), a})
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"old", "a"}, payloads(q.Snapshot()))
}

func TestClear(t *testing.T) {
	q := New()
	q.Enqueue(msg("a"))
	q.Enqueue(msg("b"))
	assert.Equal(t, 2, q.Clear())
	assert.Zero(t, q.Size())
	assert.Zero(t, q.Clear())
}

func TestConcurrentEnqueue(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(msg("x"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Size())

	ids := map[string]bool{}
	for _, m := range q.Snapshot() {
		ids[m.ID] = true
	}
	assert.Len(t, ids, 800)
}
