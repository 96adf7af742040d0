package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "rackgate_active_sessions", Help: "Console sessions currently proxying"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "rackgate_sessions_total", Help: "Console sessions established"})
	AdmissionDeniedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rackgate_admission_denied_total", Help: "Connections rejected before proxying, by reason"}, []string{"reason"})
	NegotiationFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rackgate_negotiation_failed_total", Help: "RFB handshake failures, by reason"}, []string{"reason"})
	ProxyBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rackgate_proxy_bytes_total", Help: "Bytes copied between tenant and backend, by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rackgate_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rackgate_session_duration_seconds", Help: "Console session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 16)})
	BackendConnectSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rackgate_backend_connect_seconds", Help: "Backend TCP connect latency seconds", Buckets: prometheus.ExponentialBuckets(0.001, 2, 14)})
)
