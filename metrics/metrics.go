// Package metrics holds the Prometheus counters of the remote session and
// the resolver.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter set.
type Metrics struct {
	Remote  *RemoteMetrics
	Resolve *ResolveMetrics
}

// New creates all counters and registers them with reg unless it is nil.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Remote:  NewRemoteMetrics(reg),
		Resolve: NewResolveMetrics(reg),
	}
}

// RemoteMetrics counts attaches, remote calls and bytes written.
type RemoteMetrics struct {
	Calls        *prometheus.CounterVec
	CallErrors   *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec
	Attaches     *prometheus.CounterVec
}

// NewRemoteMetrics registers the remote counters with reg unless it is nil.
func NewRemoteMetrics(reg prometheus.Registerer) *RemoteMetrics {
	m := &RemoteMetrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injektor_remote_calls_total",
			Help: "Total number of remote calls driven to completion",
		}, []string{"kind"}),
		CallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injektor_remote_call_errors_total",
			Help: "Total number of remote calls aborted, by failing stage",
		}, []string{"kind", "stage"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injektor_remote_bytes_written_total",
			Help: "Total number of bytes copied into target memory",
		}, []string{"method"}),
		Attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injektor_remote_attaches_total",
			Help: "Total number of attach attempts",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Calls,
			m.CallErrors,
			m.BytesWritten,
			m.Attaches,
		)
	}
	return m
}

// ResolveMetrics counts resolver attempts and successes per strategy.
type ResolveMetrics struct {
	Attempts *prometheus.CounterVec
	Resolved *prometheus.CounterVec
}

// NewResolveMetrics registers the resolver counters with reg unless it is nil.
func NewResolveMetrics(reg prometheus.Registerer) *ResolveMetrics {
	m := &ResolveMetrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injektor_resolve_attempts_total",
			Help: "Total number of symbol resolution attempts per strategy",
		}, []string{"strategy"}),
		Resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injektor_resolve_resolved_total",
			Help: "Total number of symbols resolved per strategy",
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Attempts,
			m.Resolved,
		)
	}
	return m
}
