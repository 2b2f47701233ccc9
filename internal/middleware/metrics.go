package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "keyvault"

var (
	// operationsTotal は鍵操作の回数を操作種別と結果ごとに数える。
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "operations_total",
			Help:      "Count of key vault operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// httpRequestLatency はルートパターンごとのHTTPレイテンシ。
	httpRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of latencies for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)
)

// RegisterMetrics はコレクタをレジストリに登録する。
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(operationsTotal, httpRequestLatency)
}

// Metrics はリクエストのレイテンシをchiのルートパターン単位で記録する。
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestLatency.
			WithLabelValues(r.Method, path, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
