// ABOUTME: Tests for the metrics registry and HTTP exposition.
// ABOUTME: Validates that collectors are registered and served.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesCollectors(t *testing.T) {
	MessagesSent.WithLabelValues("agent", "ipc").Inc()
	WorkerRestarts.WithLabelValues("app").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "egg_messenger_messages_sent_total")
	assert.Contains(t, string(body), "egg_master_worker_restarts_total")
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(InvokeTotal.WithLabelValues("metrics-test", OutcomeTimeout))
	InvokeTotal.WithLabelValues("metrics-test", OutcomeTimeout).Inc()
	after := testutil.ToFloat64(InvokeTotal.WithLabelValues("metrics-test", OutcomeTimeout))
	assert.Equal(t, before+1, after)
}
