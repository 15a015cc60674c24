package command

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/chatlink/internal/client"
	"github.com/hongjun500/chatlink/internal/heartbeat"
)

// stubClient 记录命令对客户端的调用
type stubClient struct {
	state        client.State
	queued       int
	reconnects   int
	disconnected bool
	sent         []any
}

func (s *stubClient) State() client.State { return s.state }
func (s *stubClient) QueueSize() int      { return s.queued }
func (s *stubClient) ClearQueue() int {
	n := s.queued
	s.queued = 0
	return n
}
func (s *stubClient) Reconnect()                  { s.reconnects++ }
func (s *stubClient) Disconnect(int, string)      { s.disconnected = true }
func (s *stubClient) Heartbeat() heartbeat.Status { return heartbeat.Status{ConsecutiveMisses: 1} }
func (s *stubClient) Attempt() client.ReconnectAttempt {
	return client.ReconnectAttempt{Count: 2}
}
func (s *stubClient) Send(p any) (string, error) {
	s.sent = append(s.sent, p)
	return "id-1", nil
}

func newCtx(c Controller) (*Context, *bytes.Buffer) {
	var out bytes.Buffer
	return &Context{Client: c, Out: &out}, &out
}

func builtins(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func TestRegistryExecute_Basic(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&Command{
		Name: "echo",
		Help: "echo text",
		Handler: func(ctx *Context) error {
			ctx.Printf("ok:%s", ctx.Raw)
			return nil
		},
	})
	require.NoError(t, err)

	ctx, out := newCtx(&stubClient{})
	handled, err := reg.Execute("/echo hi there", ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "ok:hi there\n", out.String())
	assert.Equal(t, []string{"hi", "there"}, ctx.Args)

	handled, err = reg.Execute("plain text", ctx)
	assert.False(t, handled)
	assert.NoError(t, err)

	handled, err = reg.Execute("/nope", ctx)
	assert.True(t, handled)
	assert.Error(t, err)
}

func TestRegister_Conflicts(t *testing.T) {
	reg := builtins(t)
	noop := func(*Context) error { return nil }
	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(&Command{Name: "", Handler: noop}))
	assert.Error(t, reg.Register(&Command{Name: "a/b", Handler: noop}))
	assert.Error(t, reg.Register(&Command{Name: "help", Handler: noop}))
	assert.Error(t, reg.Register(&Command{Name: "bye", Aliases: []string{"q"}, Handler: noop}))
	assert.Error(t, reg.Register(&Command{Name: "nohandler"}))

	cmd, ok := reg.Get("/EXIT")
	require.True(t, ok)
	assert.Equal(t, "quit", cmd.Name)
}

func TestBuiltins(t *testing.T) {
	reg := builtins(t)
	stub := &stubClient{state: client.StateDegraded, queued: 3}
	ctx, out := newCtx(stub)

	_, err := reg.Execute("/state", ctx)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "state=degraded queued=3 misses=1")
	assert.Contains(t, out.String(), "reconnect attempt=2")

	out.Reset()
	_, err = reg.Execute("/clear", ctx)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "dropped 3")
	assert.Zero(t, stub.queued)

	_, err = reg.Execute("/r", ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.reconnects)

	_, err = reg.Execute(`/json {"k": [1, 2]}`, ctx)
	require.NoError(t, err)
	require.Len(t, stub.sent, 1)
	assert.JSONEq(t, `{"k":[1,2]}`, string(stub.sent[0].(json.RawMessage)))

	_, err = reg.Execute("/json {broken", ctx)
	assert.Error(t, err)

	out.Reset()
	_, err = reg.Execute("/help", ctx)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "/json <payload>")

	quit := false
	ctx.Quit = func() { quit = true }
	_, err = reg.Execute("/quit", ctx)
	require.NoError(t, err)
	assert.True(t, quit)
	assert.True(t, stub.disconnected)
}

func TestClientSatisfiesController(t *testing.T) {
	var _ Controller = (*client.Client)(nil)
}
