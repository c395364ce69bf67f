package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	before := testutil.ToFloat64(IngestOutcomes.WithLabelValues("process", "success"))
	IngestOutcomes.WithLabelValues("process", "success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(IngestOutcomes.WithLabelValues("process", "success")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ragdesk_ingest_outcomes_total")
}
