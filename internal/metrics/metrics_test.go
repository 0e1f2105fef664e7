package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRelayMetrics(t *testing.T) {
	FramesTotal.WithLabelValues(DirectionToClient, ActionSuppressed).Inc()
	ToolCallsTotal.WithLabelValues("search_jobs", "ok").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_frames_total{action="suppressed",direction="to_client"}`)
	assert.Contains(t, string(body), `relay_tool_calls_total{status="ok",tool="search_jobs"}`)
	assert.Contains(t, string(body), "session_cache_size")
}
