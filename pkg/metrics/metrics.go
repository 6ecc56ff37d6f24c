// Package metrics is the concrete default for spec §6's "opaque metrics
// collaborator": it registers the three named series against a caller-owned
// prometheus.Registerer so RequestQueue and IndexingStore have somewhere
// real to report to out of the box, while still accepting any Registerer
// (including prometheus.NewRegistry() in tests) so nothing here forces a
// process-global registry on an embedder.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector is the set of instruments spec §6 names. RequestQueue and
// IndexingStore depend on this interface, not on *Metrics directly, so a
// host application can substitute its own collector.
type Collector interface {
	ObserveRPCLag(method, network string, seconds float64)
	ObserveRPCDuration(method, network string, seconds float64)
	ObserveStoreMethodDuration(method, table string, seconds float64)
}

// Metrics is the default Collector, built from three instruments named
// exactly as spec §6 lists them.
type Metrics struct {
	rpcLag      *prometheus.HistogramVec
	rpcDuration *prometheus.HistogramVec
	storeMethod *prometheus.HistogramVec
}

// New registers the collector's instruments against reg and returns it.
// Passing the same Registerer twice (e.g. two components in one process each
// calling New with it) returns an error from reg.Register that callers should treat as
// fatal configuration, matching how the teacher treats a second Prometheus
// registration of the same collector.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rpcLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_request_lag",
			Help:    "Time in seconds between a RequestQueue task being enqueued and dispatched.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "network"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_request_duration",
			Help:    "Time in seconds between a RequestQueue task being dispatched and settled.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "network"}),
		storeMethod: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexing_store_method_duration",
			Help:    "Time in seconds spent inside one IndexingStore method call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "table"}),
	}
	for _, c := range []prometheus.Collector{m.rpcLag, m.rpcDuration, m.storeMethod} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveRPCLag(method, network string, seconds float64) {
	m.rpcLag.WithLabelValues(method, network).Observe(seconds)
}

func (m *Metrics) ObserveRPCDuration(method, network string, seconds float64) {
	m.rpcDuration.WithLabelValues(method, network).Observe(seconds)
}

func (m *Metrics) ObserveStoreMethodDuration(method, table string, seconds float64) {
	m.storeMethod.WithLabelValues(method, table).Observe(seconds)
}

// Noop is a Collector that discards everything; the zero value of every
// component that takes a Collector must work with this so metrics stay
// genuinely optional, matching the teacher's best-effort-everywhere posture
// around observability (e.g. redis.Client.Publish swallowing its own errors).
type Noop struct{}

func (Noop) ObserveRPCLag(string, string, float64)              {}
func (Noop) ObserveRPCDuration(string, string, float64)         {}
func (Noop) ObserveStoreMethodDuration(string, string, float64) {}
