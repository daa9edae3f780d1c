package onvifctl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the package. A nil *Metrics
// records nothing.
type Metrics struct {
	rpcRequests       *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	poolClients       prometheus.Gauge
	motionTransitions *prometheus.CounterVec
	discoveredDevices prometheus.Counter
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onvifctl_rpc_requests_total",
			Help: "Total number of ONVIF RPCs by method and outcome",
		}, []string{"method", "status"}),

		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onvifctl_rpc_duration_seconds",
			Help:    "Duration of ONVIF RPCs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method"}),

		poolClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "onvifctl_pool_clients",
			Help: "Number of pooled RPC clients",
		}),

		motionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onvifctl_motion_transitions_total",
			Help: "Motion state transitions emitted",
		}, []string{"state"}),

		discoveredDevices: factory.NewCounter(prometheus.CounterOpts{
			Name: "onvifctl_discovered_devices_total",
			Help: "Total number of devices returned by discovery",
		}),
	}
}

func (m *Metrics) recordRPC(method string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, status.String()).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) setPoolClients(n int) {
	if m == nil {
		return
	}
	m.poolClients.Set(float64(n))
}

func (m *Metrics) recordMotion(detected bool) {
	if m == nil {
		return
	}
	state := "stopped"
	if detected {
		state = "detected"
	}
	m.motionTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) recordDiscovered(n int) {
	if m == nil {
		return
	}
	m.discoveredDevices.Add(float64(n))
}
