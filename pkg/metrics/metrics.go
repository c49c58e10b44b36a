// Package metrics holds the process-wide Prometheus registry and the
// per-concern metric structs for the gateway. Each struct is constructed
// exactly once at startup and handed to the components that record into
// it; constructing one twice panics on duplicate registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry collects every metric the process exposes.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in OpenMetrics format. The gateway mounts
// it on the operational HTTP endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the process registry and panics
// if any collide.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}
