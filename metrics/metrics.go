// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the server's optional Prometheus instrumentation
// (enabled by the -m flag's sibling metrics listener): connection counts,
// commands dispatched, ACL outcomes, and child exit statuses.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the server's metrics behind one handle so it can be
// threaded explicitly into the connection loop rather than relying on
// the default global registry (consistent with the design's anti-global
// -state note for server-wide objects).
type Registry struct {
	reg *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	CommandsTotal     *prometheus.CounterVec
	AclDenialsTotal   prometheus.Counter
	ExitStatusTotal   *prometheus.CounterVec
}

// New builds a Registry with all series pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "remctld_connections_total",
			Help: "Total accepted connections.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "remctld_connections_active",
			Help: "Connections currently being served.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remctld_commands_total",
			Help: "Commands dispatched, labeled by outcome.",
		}, []string{"outcome"}),
		AclDenialsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "remctld_acl_denials_total",
			Help: "Requests rejected by ACL evaluation.",
		}),
		ExitStatusTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remctld_child_exit_status_total",
			Help: "Child process exit statuses, labeled by status.",
		}, []string{"status"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
