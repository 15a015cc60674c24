package harness

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hongjun500/chatlink/internal/auth"
	"github.com/hongjun500/chatlink/internal/protocol"
)

func start(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	opts.Logger = zap.NewNop()
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DropAll()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ protocol.FrameType, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(typ, payload)
	require.NoError(t, err)
	data, err := protocol.JSONCodec{}.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.JSONCodec{}.Decode(data, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	return f
}

func TestServer_PingEchoAndErrors(t *testing.T) {
	srv, url := start(t, Options{Echo: true})
	conn := dial(t, url)

	write(t, conn, protocol.TypePing, protocol.PingPayload{Seq: 1})
	pong := read(t, conn)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.EqualValues(t, 1, srv.Pings())

	write(t, conn, protocol.TypeMessage, "hi")
	echo := read(t, conn)
	assert.Equal(t, protocol.TypeMessage, echo.Type)
	assert.JSONEq(t, `"hi"`, string(echo.Payload))
	require.Len(t, srv.Received(), 1)

	write(t, conn, "bogus", nil)
	errFrame := read(t, conn)
	assert.Equal(t, protocol.TypeError, errFrame.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	assert.Equal(t, protocol.TypeError, read(t, conn).Type)
}

func TestServer_ClearMessagesBroadcast(t *testing.T) {
	srv, url := start(t, Options{})
	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return srv.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	write(t, a, protocol.TypeMessage, "x")
	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	write(t, a, protocol.TypeClearMessages, nil)
	assert.Equal(t, protocol.TypeClearMessages, read(t, a).Type)
	assert.Equal(t, protocol.TypeClearMessages, read(t, b).Type)
	assert.Empty(t, srv.Received())
}

func TestServer_Auth(t *testing.T) {
	secret := []byte("k")
	_, url := start(t, Options{Secret: secret})

	good := dial(t, url)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tok, err := auth.HS256{Secret: secret}.Token(ctx)
	require.NoError(t, err)
	write(t, good, protocol.TypeAuth, protocol.AuthPayload{Token: tok})
	ok := read(t, good)
	require.Equal(t, protocol.TypeAuthOK, ok.Type)
	var res protocol.AuthResultPayload
	require.NoError(t, ok.DecodePayload(&res))
	assert.NotEmpty(t, res.Session)

	bad := dial(t, url)
	write(t, bad, protocol.TypeAuth, protocol.AuthPayload{Token: "nope"})
	assert.Equal(t, protocol.TypeAuthError, read(t, bad).Type)
	_, _, err = bad.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestServer_RejectHandshake(t *testing.T) {
	srv, url := start(t, Options{})
	srv.SetRejectHandshake(true)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
	assert.Zero(t, srv.Accepted())
}
