// Package metric provides the Prometheus registry and HTTP endpoint for the
// ingestion service.
//
// A MetricsRegistry owns a private prometheus.Registry with the Go and
// process collectors plus the core ingestion metrics (Metrics). Packages
// register their own collectors through the Register* methods, keyed by
// service and metric name so that a second registration is rejected instead
// of panicking.
//
// # Usage
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	core.RecordMessageReceived("ingest")
//	core.RecordMessageProcessed("ingest", "ok")
//
//	server := metric.NewServer(9090, "/metrics", registry, monitor)
//	if err := server.Start(); err != nil {
//		return err
//	}
//	defer server.Stop(5 * time.Second)
//
// The server also mounts the health handler at /health when one is given.
//
// All metric names carry the "agricos" namespace.
package metric
