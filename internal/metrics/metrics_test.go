package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(dispatchOutcomes.WithLabelValues(OutcomeRetried))
	RecordDispatch(OutcomeRetried, "127.0.0.1:1234", 3*time.Second)
	RecordDispatch(OutcomeRetried, "127.0.0.1:1234", time.Second)
	assert.Equal(t, before+2, testutil.ToFloat64(dispatchOutcomes.WithLabelValues(OutcomeRetried)))
}

func TestGauges(t *testing.T) {
	SetQueueDepth(4)
	SetInFlight(2)
	SetEndpointsOnline(3)
	assert.Equal(t, 4.0, testutil.ToFloat64(queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(inFlight))
	assert.Equal(t, 3.0, testutil.ToFloat64(endpointsOnline))
}

func TestRecordNoEndpoint(t *testing.T) {
	emitted := testutil.ToFloat64(noEndpointWarnings.WithLabelValues("emitted"))
	suppressed := testutil.ToFloat64(noEndpointWarnings.WithLabelValues("suppressed"))

	RecordNoEndpoint(true)
	RecordNoEndpoint(false)
	RecordNoEndpoint(false)

	assert.Equal(t, emitted+1, testutil.ToFloat64(noEndpointWarnings.WithLabelValues("emitted")))
	assert.Equal(t, suppressed+2, testutil.ToFloat64(noEndpointWarnings.WithLabelValues("suppressed")))
}
