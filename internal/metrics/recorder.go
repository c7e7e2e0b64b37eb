package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rebalancer/internal/exchange"
	"rebalancer/internal/execution"
)

// Recorder 将调仓引擎的运行指标导出为 Prometheus 格式。
type Recorder struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersFilled    *prometheus.CounterVec
	filledNotional  *prometheus.CounterVec
	rounds          prometheus.Counter
	roundOrders     prometheus.Histogram
	runs            *prometheus.CounterVec
	runErrors       prometheus.Gauge
	runDuration     prometheus.Histogram
}

var _ execution.Metrics = (*Recorder)(nil)

// NewRecorder 创建独立 registry 的指标记录器，避免污染全局注册表。
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_orders_submitted_total",
			Help: "Orders submitted, split by phase (maker|fallback) and side.",
		}, []string{"phase", "side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_orders_rejected_total",
			Help: "Orders rejected by the venue, split by reject code.",
		}, []string{"code"}),
		ordersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_orders_filled_total",
			Help: "Orders with a non-zero fill, split by phase.",
		}, []string{"phase"}),
		filledNotional: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_filled_notional_usd_total",
			Help: "Filled notional in quote currency, split by phase.",
		}, []string{"phase"}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalancer_rounds_total",
			Help: "Maker reconciliation rounds completed.",
		}),
		roundOrders: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rebalancer_round_orders",
			Help:    "Orders submitted per maker round.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalancer_runs_total",
			Help: "Finished runs, split by convergence and fallback usage.",
		}, []string{"converged", "fallback"}),
		runErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalancer_last_run_errors",
			Help: "Number of error entries reported by the last run.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rebalancer_run_duration_seconds",
			Help:    "Wall time of a full run.",
			Buckets: []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
		}),
	}

	r.registry.MustRegister(
		r.ordersSubmitted,
		r.ordersRejected,
		r.ordersFilled,
		r.filledNotional,
		r.rounds,
		r.roundOrders,
		r.runs,
		r.runErrors,
		r.runDuration,
	)
	return r
}

// Handler 返回 /metrics 接口。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry 暴露底层 registry，便于测试读取。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) OrderSubmitted(phase string, side exchange.Side) {
	r.ordersSubmitted.WithLabelValues(phase, string(side)).Inc()
}

func (r *Recorder) OrderRejected(code string) {
	if code == "" {
		code = "unknown"
	}
	r.ordersRejected.WithLabelValues(code).Inc()
}

func (r *Recorder) OrderFilled(phase string, notional float64) {
	r.ordersFilled.WithLabelValues(phase).Inc()
	if notional > 0 {
		r.filledNotional.WithLabelValues(phase).Add(notional)
	}
}

func (r *Recorder) RoundCompleted(submitted int) {
	r.rounds.Inc()
	r.roundOrders.Observe(float64(submitted))
}

func (r *Recorder) RunFinished(converged, fallbackUsed bool, errors int, elapsed time.Duration) {
	r.runs.WithLabelValues(strconv.FormatBool(converged), strconv.FormatBool(fallbackUsed)).Inc()
	r.runErrors.Set(float64(errors))
	r.runDuration.Observe(elapsed.Seconds())
}
