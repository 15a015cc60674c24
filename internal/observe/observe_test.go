package observe

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetState_SwitchesGauge(t *testing.T) {
	SetState("c1", "", "connecting")
	SetState("c1", "connecting", "open")
	assert.Equal(t, 0.0, testutil.ToFloat64(connectionState.WithLabelValues("c1", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionState.WithLabelValues("c1", "open")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(heartbeatMissesTotal)
	IncHeartbeatMiss()
	assert.Equal(t, before+1, testutil.ToFloat64(heartbeatMissesTotal))

	SetQueueDepth("c2", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(queueDepth.WithLabelValues("c2")))
}

func TestHandler(t *testing.T) {
	IncSent()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "chatlink_messages_sent_total")
}
