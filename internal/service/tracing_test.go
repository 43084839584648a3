package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFailedOperationsMarkSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t)
	userID := h.user(10)
	rewardID := h.reward(100, 5)

	_, err := redeem(h, userID, rewardID, "k1")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = h.fulfillment.Scan(bg, h.admin, "NO-SUCH-CODE")
	require.Error(t, err)

	_, err = h.fulfillment.Cancel(bg, h.admin, 9999, "")
	require.Error(t, err)

	_, err = h.ledger.Award(bg, h.admin, userID, 5)
	require.NoError(t, err)

	status := make(map[string]otelcodes.Code)
	for _, s := range recorder.Ended() {
		status[s.Name()] = s.Status().Code
	}
	assert.Equal(t, otelcodes.Error, status["RedemptionService.Redeem"])
	assert.Equal(t, otelcodes.Error, status["FulfillmentService.Scan"])
	assert.Equal(t, otelcodes.Error, status["FulfillmentService.Cancel"])
	assert.Equal(t, otelcodes.Unset, status["PointsLedger.Award"])
}
