package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJobAndDial(t *testing.T) {
	m := New("")
	m.RecordJob("ok")
	m.RecordJob("ok")
	m.RecordJob("dial_failed")
	m.RecordDial("main", "rejected", "4xx")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("dial_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DialOutcomesTotal.WithLabelValues("main", "rejected", "4xx")))
}

func TestActiveCallsGauge(t *testing.T) {
	m := New("test")
	m.RecordEstablished(3*time.Second, 400*time.Millisecond)
	m.RecordEstablished(5*time.Second, 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveCalls))

	m.RecordCallEnded("hangup", time.Minute)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveCalls))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CallDuration), "one reason label")
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Calls
	assert.NotPanics(t, func() {
		m.RecordJob("ok")
		m.RecordDial("t", "answered", "2xx")
		m.RecordEstablished(time.Second, time.Second)
		m.RecordCallEnded("hangup", time.Second)
		m.RecordRateLimited("t")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("dialout")
	m.RecordJob("ok")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `dialout_jobs_total{outcome="ok"} 1`), string(body))
}
