// Package metrics defines Prometheus collectors of the ingestion pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for chronal metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors of the transaction log and its subscriptions.
var (
	LogAppendCountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chronal_log_append_count_total",
		Help: "Cumulative number of log appends.",
	}, []string{"status"})
	LogAppendBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chronal_log_append_bytes_total",
		Help: "Cumulative number of record payload bytes appended to the log.",
	})
	LogReadRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chronal_log_read_records_total",
		Help: "Cumulative number of records read from the log.",
	})
	LogSegmentsRolledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chronal_log_segments_rolled_total",
		Help: "Cumulative number of completed log segments.",
	})
)

// Collectors of the log processor.
var (
	ProcessedRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chronal_processed_records_total",
		Help: "Cumulative number of log records applied by the indexer driver.",
	}, []string{"kind", "status"})
	FlushMessagesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chronal_flush_messages_issued_total",
		Help: "Cumulative number of flush-chunk messages issued by the flusher.",
	})
)

// IngestCollectors lists collectors registered by ingest node binaries.
func IngestCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		LogAppendCountTotal,
		LogAppendBytesTotal,
		LogReadRecordsTotal,
		LogSegmentsRolledTotal,
		ProcessedRecordsTotal,
		FlushMessagesIssuedTotal,
	}
}
