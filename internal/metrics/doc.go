// Package metrics exposes gateway activity as Prometheus metrics.
//
// Collector implements machine.Observer so the registry reports state
// changes, wakes, task results and agent connections directly. The session
// handler adds open terminal sessions. Handler serves the collector's own
// registry, so tests never touch the global default registry.
package metrics
