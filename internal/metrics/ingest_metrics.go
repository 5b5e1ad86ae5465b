package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// File and batch metrics
	FilesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_files_processed_total",
			Help: "Total number of input files processed by status",
		},
		[]string{"status"}, // success, partial, failed, quarantined
	)

	EventsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_events_created_total",
			Help: "Total number of exposure events appended to the history",
		},
	)

	EventsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_events_rejected_total",
			Help: "Total number of events rejected by validation reason",
		},
		[]string{"reason"},
	)

	ExposuresInsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_exposures_inserted_total",
			Help: "Total number of new current-state exposures",
		},
	)

	ExposuresUpdatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_exposures_updated_total",
			Help: "Total number of current-state exposures updated",
		},
	)

	// Chunk transaction metrics
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_chunks_total",
			Help: "Total number of chunk transactions by outcome",
		},
		[]string{"outcome"}, // committed, failed, skipped
	)

	ChunkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_chunk_failures_total",
			Help: "Total number of chunk transactions that rolled back by error kind",
		},
		[]string{"kind"}, // duplicate_event_id, store_unavailable, merge_conflict, internal
	)

	ChunkRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_chunk_retries_total",
			Help: "Total number of chunk transactions retried after a merge conflict",
		},
	)

	ProcessingDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestion_processing_duration_seconds",
			Help:    "Duration of one ingestion call",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)

	QuarantinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestion_quarantined_total",
			Help: "Total number of inputs quarantined by error kind",
		},
		[]string{"kind"},
	)
)

// RecordChunkCommitted accounts for one committed chunk.
func RecordChunkCommitted(events, inserted, updated int) {
	ChunksTotal.WithLabelValues("committed").Inc()
	EventsCreatedTotal.Add(float64(events))
	ExposuresInsertedTotal.Add(float64(inserted))
	ExposuresUpdatedTotal.Add(float64(updated))
}

// RecordChunkFailed accounts for a chunk that rolled back.
func RecordChunkFailed(kind string) {
	if kind == "" {
		kind = "internal"
	}
	ChunksTotal.WithLabelValues("failed").Inc()
	ChunkFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordChunkSkipped accounts for a chunk never attempted because an
// earlier chunk it depends on failed or the run was cancelled.
func RecordChunkSkipped() {
	ChunksTotal.WithLabelValues("skipped").Inc()
}

// RecordChunkRetry accounts for one retried chunk transaction.
func RecordChunkRetry() {
	ChunkRetriesTotal.Inc()
}

// RecordEventRejected accounts for one event that failed validation.
func RecordEventRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	EventsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordQuarantined accounts for one quarantined input.
func RecordQuarantined(kind string) {
	QuarantinedTotal.WithLabelValues(kind).Inc()
}

// RecordFileProcessed accounts for one input file.
func RecordFileProcessed(status string) {
	FilesProcessedTotal.WithLabelValues(status).Inc()
}

// ObserveProcessing records the duration of an ingestion call.
func ObserveProcessing(d time.Duration) {
	ProcessingDurationSeconds.Observe(d.Seconds())
}
