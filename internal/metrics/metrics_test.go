package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRPC(t *testing.T) {
	before := testutil.ToFloat64(rpcsAppliedTotal.WithLabelValues("create_file", "ok"))
	RecordRPC("create_file", "ok", time.Millisecond)
	after := testutil.ToFloat64(rpcsAppliedTotal.WithLabelValues("create_file", "ok"))
	assert.Equal(t, before+1, after)
}

func TestGauges(t *testing.T) {
	SetOpenDocuments(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(openDocuments))
	SetConnectionsActive(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(connectionsActive))
}

func TestMiddlewareCountsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/nope", "404")
	before := testutil.ToFloat64(counter)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
