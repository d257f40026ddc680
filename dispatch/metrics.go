package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics are package-level, unregistered prometheus collectors, matching
// the convention the ipfix package uses for its own decoder metrics: the
// embedder registers whichever of these it wants exposed.
var (
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_packets_total",
		Help: "Total number of datagrams handled by the dispatcher, per protocol version",
	}, []string{"version"})

	DeferredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_deferred_total",
		Help: "Total number of datagrams deferred awaiting a template, per protocol version",
	}, []string{"version"})

	ResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_resolved_total",
		Help: "Total number of previously-deferred datagrams resolved and emitted, per protocol version",
	}, []string{"version"})

	TemplateTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_template_timeouts_total",
		Help: "Total number of deferred datagrams dropped after exceeding the deferred-queue bound, per exporter and version",
	}, []string{"exporter", "version"})

	CatalogGapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_catalog_gaps_total",
		Help: "Total number of fields decoded with no matching information element in the catalog, per exporter and version",
	}, []string{"exporter", "version"})

	TruncatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_truncated_total",
		Help: "Total number of datagrams rejected as truncated, per exporter and version",
	}, []string{"exporter", "version"})

	MalformedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_malformed_total",
		Help: "Total number of datagrams rejected as malformed, per exporter and version",
	}, []string{"exporter", "version"})

	UnsupportedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_unsupported_version_total",
		Help: "Total number of datagrams rejected for carrying an unsupported protocol version, per exporter and version",
	}, []string{"exporter", "version"})

	UnknownFieldsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_unknown_fields_total",
		Help: "Total number of decoded fields with no catalog entry (the same fields CatalogGapsTotal counts), per exporter and version",
	}, []string{"exporter", "version"})

	ExporterRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_exporter_restarts_total",
		Help: "Total number of exporter restarts detected via sequence/template discontinuity",
	})

	DeferredQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_deferred_queue_depth",
		Help: "Current number of datagrams held in the deferred queue, per exporter",
	}, []string{"exporter"})
)
