package client

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hongjun500/chatlink/internal/auth"
	"github.com/hongjun500/chatlink/internal/harness"
	"github.com/hongjun500/chatlink/internal/protocol"
)

func startHarness(t *testing.T, opts harness.Options) (*harness.Server, string) {
	t.Helper()
	opts.Logger = zap.NewNop()
	srv := harness.New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DropAll()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newWSClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, WithLogger(zap.NewNop()), WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(CloseNormal, "test done") })
	return c
}

func TestWS_QueuedMessageDeliveredOnce(t *testing.T) {
	srv, url := startHarness(t, harness.Options{Echo: true})
	cfg := testConfig()
	cfg.URL = url
	c := newWSClient(t, cfg)
	log := record(c)

	_, err := c.Send("hello")
	require.NoError(t, err)
	c.Connect()
	waitState(t, c, StateOpen)

	require.Eventually(t, func() bool { return len(log.of(EventMessage)) == 1 }, waitFor, 10*time.Millisecond)
	got := srv.Received()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeMessage, got[0].Type)
	assert.JSONEq(t, `"hello"`, string(got[0].Payload))
	assert.JSONEq(t, `"hello"`, string(log.of(EventMessage)[0].Payload))
}

func TestWS_ProtobufCodec(t *testing.T) {
	srv, url := startHarness(t, harness.Options{Codec: protocol.ProtobufCodec{}})
	cfg := testConfig()
	cfg.URL = url
	cfg.Codec = "protobuf"
	c := newWSClient(t, cfg)

	c.Connect()
	waitState(t, c, StateOpen)
	_, err := c.Send(map[string]any{"text": "hi", "n": 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, waitFor, 10*time.Millisecond)
	assert.JSONEq(t, `{"text":"hi","n":1}`, string(srv.Received()[0].Payload))
}

func TestWS_AuthHandshake(t *testing.T) {
	secret := []byte("s3cret")
	srv, url := startHarness(t, harness.Options{Secret: secret})

	cfg := testConfig()
	cfg.URL = url
	cfg.TokenProvider = auth.HS256{Secret: secret, Subject: "alice"}.Provider()
	c := newWSClient(t, cfg)
	_, err := c.Send("authed")
	require.NoError(t, err)
	c.Connect()
	waitState(t, c, StateOpen)
	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, waitFor, 10*time.Millisecond)
}

func TestWS_AuthRejected(t *testing.T) {
	_, url := startHarness(t, harness.Options{Secret: []byte("right")})

	cfg := testConfig()
	cfg.URL = url
	cfg.TokenProvider = auth.HS256{Secret: []byte("wrong")}.Provider()
	c := newWSClient(t, cfg)
	log := record(c)

	c.Connect()
	waitState(t, c, StateClosed)
	c.events.wait()
	fatal := log.of(EventFatal)
	require.Len(t, fatal, 1)
	var fe *FatalError
	require.ErrorAs(t, fatal[0].Err, &fe)
	assert.Equal(t, FatalAuth, fe.Kind)
	assert.Empty(t, log.of(EventReconnecting))
}

func TestWS_HandshakeUnauthorized(t *testing.T) {
	srv, url := startHarness(t, harness.Options{})
	srv.SetRejectHandshake(true)
	cfg := testConfig()
	cfg.URL = url
	c := newWSClient(t, cfg)
	log := record(c)

	c.Connect()
	waitState(t, c, StateClosed)
	c.events.wait()
	require.Len(t, log.of(EventFatal), 1)
	assert.Equal(t, FatalAuth, log.of(EventFatal)[0].Err.(*FatalError).Kind)
}

func TestWS_SilentServerDegradesThenReconnects(t *testing.T) {
	srv, url := startHarness(t, harness.Options{})
	cfg := testConfig()
	cfg.URL = url
	cfg.PingInterval = 100 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond
	cfg.MaxConsecutiveMisses = 2
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = time.Second
	c := newWSClient(t, cfg)
	log := record(c)

	c.Connect()
	waitState(t, c, StateOpen)
	srv.SetSilent(true)
	waitState(t, c, StateReconnecting)
	c.events.wait()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateDegraded, StateReconnecting}, log.states())
}

func TestWS_PingAnsweredKeepsOpen(t *testing.T) {
	srv, url := startHarness(t, harness.Options{})
	cfg := testConfig()
	cfg.URL = url
	cfg.PingInterval = 30 * time.Millisecond
	cfg.PongTimeout = 100 * time.Millisecond
	c := newWSClient(t, cfg)
	log := record(c)

	c.Connect()
	waitState(t, c, StateOpen)
	require.Eventually(t, func() bool { return srv.Pings() >= 3 }, waitFor, 10*time.Millisecond)
	c.events.wait()
	assert.Equal(t, []State{StateConnecting, StateOpen}, log.states())
	assert.False(t, c.Heartbeat().LastAckAt.IsZero())
}

func TestWS_DroppedConnectionReconnects(t *testing.T) {
	srv, url := startHarness(t, harness.Options{})
	cfg := testConfig()
	cfg.URL = url
	c := newWSClient(t, cfg)

	c.Connect()
	waitState(t, c, StateOpen)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)
	srv.DropAll()
	require.Eventually(t, func() bool { return srv.Accepted() == 2 && c.State() == StateOpen }, waitFor, 10*time.Millisecond)

	_, err := c.Send("after drop")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, waitFor, 10*time.Millisecond)
}

func TestWS_MalformedInboundIsNotFatal(t *testing.T) {
	srv, url := startHarness(t, harness.Options{})
	cfg := testConfig()
	cfg.URL = url
	c := newWSClient(t, cfg)
	log := record(c)

	c.Connect()
	waitState(t, c, StateOpen)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)
	srv.BroadcastRaw([]byte("{not json"))
	require.Eventually(t, func() bool { return len(log.of(EventError)) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, StateOpen, c.State())
	assert.EqualValues(t, 1, srv.Accepted())
}

func TestWS_DisconnectClosesServerSession(t *testing.T) {
	srv, url := startHarness(t, harness.Options{})
	cfg := testConfig()
	cfg.URL = url
	c := newWSClient(t, cfg)
	log := record(c)

	c.Connect()
	waitState(t, c, StateOpen)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)
	c.Disconnect(CloseNormal, "bye")
	c.Disconnect(CloseNormal, "bye")
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, waitFor, 10*time.Millisecond)
	c.events.wait()
	assert.Len(t, log.of(EventClosed), 1)
}
