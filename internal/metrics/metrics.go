// Package metrics exports coherence events as Prometheus metrics
package metrics

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/eliseemond/elastix/internal/coherence"
)

const (
	namespace = "elastix"
	subsystem = "coherence"
)

// Collector implements coherence.Observer on top of Prometheus metrics
type Collector struct {
	transfers          *prometheus.CounterVec
	transferBytes      *prometheus.CounterVec
	transferDuration   *prometheus.HistogramVec
	allocations        prometheus.Counter
	allocationBytes    prometheus.Counter
	allocationFailures prometheus.Counter
	transitions        *prometheus.CounterVec
}

var _ coherence.Observer = (*Collector)(nil)

// NewCollector creates the coherence metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transfers_total",
				Help:      "Count of host/device transfers by direction.",
			},
			[]string{"direction"},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved between host and device by direction.",
			},
			[]string{"direction"},
		),
		transferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transfer_duration_seconds",
				Help:      "Host/device transfer latency by direction.",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
			},
			[]string{"direction"},
		),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_allocations_total",
			Help:      "Count of successful device copy allocations.",
		}),
		allocationBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_allocation_bytes_total",
			Help:      "Bytes allocated for device copies.",
		}),
		allocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_allocation_failures_total",
			Help:      "Count of failed device copy allocations.",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "state_transitions_total",
				Help:      "Count of dirty state transitions by target state.",
			},
			[]string{"to"},
		),
	}

	for _, m := range []prometheus.Collector{
		c.transfers, c.transferBytes, c.transferDuration,
		c.allocations, c.allocationBytes, c.allocationFailures,
		c.transitions,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObserveTransfer(_ uuid.UUID, dir coherence.Direction, bytes int64, elapsed time.Duration) {
	label := dir.String()
	c.transfers.WithLabelValues(label).Inc()
	c.transferBytes.WithLabelValues(label).Add(float64(bytes))
	c.transferDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveAllocation(_ uuid.UUID, bytes int64, err error) {
	if err != nil {
		c.allocationFailures.Inc()
		return
	}
	c.allocations.Inc()
	c.allocationBytes.Add(float64(bytes))
}

func (c *Collector) ObserveTransition(_ uuid.UUID, _, to coherence.DirtyState) {
	c.transitions.WithLabelValues(to.String()).Inc()
}

// Transfers returns the transfer count for one direction
func (c *Collector) Transfers(dir coherence.Direction) float64 {
	return counterValue(c.transfers.WithLabelValues(dir.String()))
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
