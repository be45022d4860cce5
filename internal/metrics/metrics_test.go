package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutatorsMoveCollectors(t *testing.T) {
	m := New("play-1")

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))

	m.StageCreated("chat")
	m.StageCreated("chat")
	m.StageDestroyed("chat")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stages.WithLabelValues("chat")))

	m.PacketIn(10)
	m.PacketIn(5)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsIn))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.bytesIn))

	m.PendingRequests(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pendingReqs))

	m.ErrorSent("Timeout")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("Timeout")))
}

func TestHandlerScrape(t *testing.T) {
	m := New("play-1")
	m.SessionOpened()
	m.Dispatch(3 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `playhouse_sessions{node_id="play-1"} 1`)
	assert.Contains(t, body, `playhouse_dispatch_latency_seconds_count{node_id="play-1"} 1`)
}

func TestIndependentRegistries(t *testing.T) {
	a := New("node-a")
	b := New("node-b")
	a.SessionOpened()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.sessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.sessions))
}
