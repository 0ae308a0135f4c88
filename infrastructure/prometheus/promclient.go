package promclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var OpenDepthCacheGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "idex_open_depth_cache",
		Help: "idex depth caches currently maintained",
	},
)

var DepthEventsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "idex_depth_events_total",
		Help: "stream events applied to depth caches",
	},
	[]string{"symbol", "event"},
)

var SnapshotLoadsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "idex_snapshot_loads_total",
		Help: "order book snapshot loads by result",
	},
	[]string{"symbol", "result"},
)

var ConsistencyFaultsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "idex_consistency_faults_total",
		Help: "book mutations absorbed as consistency faults",
	},
	[]string{"symbol", "kind"},
)

var StreamReconnectsCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "idex_stream_reconnects_total",
		Help: "datastream reconnect attempts",
	},
)

var StreamGaveUpCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "idex_stream_gave_up_total",
		Help: "datastream connections abandoned after exhausting reconnects",
	},
)

// NewRegistry returns a registry with every collector of the service.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(OpenDepthCacheGauge)
	reg.MustRegister(DepthEventsCounter)
	reg.MustRegister(SnapshotLoadsCounter)
	reg.MustRegister(ConsistencyFaultsCounter)
	reg.MustRegister(StreamReconnectsCounter)
	reg.MustRegister(StreamGaveUpCounter)
	reg.MustRegister(collectors.NewGoCollector())

	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// StartPromClientServer serves /metrics on addr until the server fails.
func StartPromClientServer(addr string) error {
	logger := zap.L().Named("promclient")
	logger.Info("prometheus server listening", zap.String("addr", addr))

	return http.ListenAndServe(addr, Handler(NewRegistry()))
}
