package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveBatch("op1", "union", 10, 0.001)
	m.ObserveBatch("op1", "union", 5, 0.002)
	m.IncError("op1", "union")

	assert.InDelta(t, 15, testutil.ToFloat64(m.rowsProcessed.WithLabelValues("op1", "union")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.batchesProcessed.WithLabelValues("op1", "union")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errors.WithLabelValues("op1", "union")), 0)

	// Registering twice on the same registry fails.
	_, err = New(reg)
	require.Error(t, err)
}

func TestWatermarkAndStatus(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SetInputChannels("u", "union", 3)
	assert.InDelta(t, 3, testutil.ToFloat64(m.inputChannels.WithLabelValues("u", "union")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.streamStatus.WithLabelValues("u", "union")), 0)

	m.ObserveWatermark("u", "union", 1000)
	m.ObserveWatermark("u", "union", 2000)
	assert.InDelta(t, 2000, testutil.ToFloat64(m.inputWatermark.WithLabelValues("u", "union")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.watermarksEmitted.WithLabelValues("u", "union")), 0)

	m.ObserveStreamStatus("u", "union", operator.StatusIdle, 3)
	assert.InDelta(t, 0, testutil.ToFloat64(m.streamStatus.WithLabelValues("u", "union")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.idleChannels.WithLabelValues("u", "union")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBatch("a", "b", 1, 0)
	m.IncError("a", "b")
	m.SetInputChannels("a", "b", 1)
	m.ObserveWatermark("a", "b", 1)
	m.ObserveStreamStatus("a", "b", operator.StatusIdle, 1)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.ObserveWatermark("u", "union", 42)

	srv := httptest.NewServer(NewHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `isotope_input_watermark_milliseconds{operator_id="u",operator_name="union"} 42`)
}
