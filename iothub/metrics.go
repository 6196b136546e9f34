package iothub

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "iothub_device"

// Metrics holds the collectors updated by the pipeline. A nil *Metrics records nothing.
type Metrics struct {
	StatusChangesTotal *prometheus.CounterVec
	RetryAttemptsTotal *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	PoolConnections    *prometheus.GaugeVec
	PoolDevices        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with registerer when it is not nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		StatusChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connection_status_changes_total",
				Help:      "Total number of connection status changes reported to the application",
			},
			[]string{"status", "reason"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retried pipeline operations",
			},
			[]string{"operation"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transport_fallbacks_total",
				Help:      "Total number of transports abandoned for the next configured transport",
			},
			[]string{"transport"},
		),
		PoolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "amqp_pool_connections",
				Help:      "Number of live pooled AMQP connections",
			},
			[]string{"scope"},
		),
		PoolDevices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "amqp_pool_devices",
				Help:      "Number of devices holding a pooled AMQP connection",
			},
			[]string{"scope"},
		),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{
		metrics.StatusChangesTotal,
		metrics.RetryAttemptsTotal,
		metrics.FallbacksTotal,
		metrics.PoolConnections,
		metrics.PoolDevices,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (metrics *Metrics) statusChanged(status ConnectionStatus, reason ConnectionStatusChangeReason) {
	if metrics == nil {
		return
	}
	metrics.StatusChangesTotal.WithLabelValues(status.String(), reason.String()).Inc()
}

func (metrics *Metrics) retried(operation string) {
	if metrics == nil {
		return
	}
	metrics.RetryAttemptsTotal.WithLabelValues(operation).Inc()
}

func (metrics *Metrics) fellBack(transport TransportType) {
	if metrics == nil {
		return
	}
	metrics.FallbacksTotal.WithLabelValues(transport.String()).Inc()
}

func (metrics *Metrics) poolConnections(scope string, delta float64) {
	if metrics == nil {
		return
	}
	metrics.PoolConnections.WithLabelValues(scope).Add(delta)
}

func (metrics *Metrics) poolDevices(scope string, delta float64) {
	if metrics == nil {
		return
	}
	metrics.PoolDevices.WithLabelValues(scope).Add(delta)
}
