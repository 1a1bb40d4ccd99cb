package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains Prometheus metrics for dispatcher jobs.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	retriesTotal prometheus.Counter
	inFlight     prometheus.Gauge
}

// NewMetrics creates the dispatcher metrics and registers them.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cedars_dispatch_jobs_total",
				Help: "Total number of finished dispatch jobs",
			},
			[]string{"outcome"}, // success, failure
		),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cedars_dispatch_retries_total",
			Help: "Total number of job attempts that were retried",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cedars_dispatch_in_flight",
			Help: "Number of dispatched jobs that have not finished",
		}),
	}
	for _, collector := range []prometheus.Collector{m.jobsTotal, m.retriesTotal, m.inFlight} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordResult(result Result) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(result.Outcome.String()).Inc()
}

func (m *Metrics) recordRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) setInFlight(value int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(value))
}
