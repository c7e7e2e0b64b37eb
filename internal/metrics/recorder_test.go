package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/exchange"
	"rebalancer/internal/execution"
)

func TestRecorder_CountsOrders(t *testing.T) {
	r := NewRecorder()

	r.OrderSubmitted(execution.PhaseMaker, exchange.SideBuy)
	r.OrderSubmitted(execution.PhaseMaker, exchange.SideBuy)
	r.OrderSubmitted(execution.PhaseFallback, exchange.SideSell)
	r.OrderRejected(exchange.RejectWouldCross)
	r.OrderRejected("")
	r.OrderFilled(execution.PhaseMaker, 500)
	r.OrderFilled(execution.PhaseMaker, 250)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ordersSubmitted.WithLabelValues(execution.PhaseMaker, string(exchange.SideBuy))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ordersSubmitted.WithLabelValues(execution.PhaseFallback, string(exchange.SideSell))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ordersRejected.WithLabelValues(exchange.RejectWouldCross)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ordersRejected.WithLabelValues("unknown")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ordersFilled.WithLabelValues(execution.PhaseMaker)))
	assert.Equal(t, 750.0, testutil.ToFloat64(r.filledNotional.WithLabelValues(execution.PhaseMaker)))
}

func TestRecorder_RunSummary(t *testing.T) {
	r := NewRecorder()

	r.RoundCompleted(3)
	r.RoundCompleted(0)
	r.RunFinished(true, false, 2, 90*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.rounds))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("true", "false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.runErrors))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.OrderSubmitted(execution.PhaseMaker, exchange.SideSell)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `rebalancer_orders_submitted_total{phase="maker",side="SELL"} 1`))
}
