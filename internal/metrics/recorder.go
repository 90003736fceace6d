// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics provides Prometheus metrics for the stream recorder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Labels are limited to stream name and small enums. No session or task IDs.

var (
	// RecorderState is 1 for the controller's current state and 0 for all others.
	RecorderState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamrec_recorder_state",
		Help: "Current recorder state per stream (1 = active state).",
	}, []string{"stream", "state"})

	// RecorderTransitionsTotal counts state transitions.
	RecorderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_recorder_transitions_total",
		Help: "Total recorder state transitions, by stream and target state.",
	}, []string{"stream", "to"})

	// RecorderRestartsTotal counts automatic restarts after ingest failures.
	RecorderRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_recorder_restarts_total",
		Help: "Total automatic recorder restarts, by stream.",
	}, []string{"stream"})

	// IngestErrorsTotal counts ingest failures by kind (connect, auth, interrupted).
	IngestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_ingest_errors_total",
		Help: "Total ingest errors, by stream and kind.",
	}, []string{"stream", "kind"})

	// IngestBytesTotal counts bytes read from sources.
	IngestBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_ingest_bytes_total",
		Help: "Total bytes read from stream sources.",
	}, []string{"stream"})

	// SegmentsTotal counts closed segments.
	SegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_segments_total",
		Help: "Total segments emitted by the segmenter.",
	}, []string{"stream"})

	// SegmentBytes observes segment payload sizes.
	SegmentBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamrec_segment_bytes",
		Help:    "Size of emitted segments in bytes.",
		Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
	})

	// StopDataLossTotal counts stops where the final segment could not be handed
	// off within the stop grace period.
	StopDataLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_data_loss_total",
		Help: "Total stops that dropped the final segment after the grace period.",
	}, []string{"stream"})

	// QueueDepth tracks pending tasks per stream and location (memory, spool).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamrec_queue_depth",
		Help: "Pending upload tasks, by stream and location.",
	}, []string{"stream", "location"})

	// QueueOverflowTotal counts overflow events by action (spilled, blocked).
	QueueOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_queue_overflow_total",
		Help: "Total queue overflow events, by stream and action.",
	}, []string{"stream", "action"})

	// SpoolBytes tracks bytes held in the on-disk spool.
	SpoolBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamrec_spool_bytes",
		Help: "Bytes currently held in the on-disk spool.",
	})

	// SpoolDeadBytes tracks bytes retained in the dead-letter area.
	SpoolDeadBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamrec_spool_dead_bytes",
		Help: "Bytes of failed segments retained in the spool dead-letter area.",
	})

	// UploadsTotal counts upload outcomes (success, exhausted, permanent).
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_uploads_total",
		Help: "Total upload outcomes, by stream and result.",
	}, []string{"stream", "result"})

	// UploadAttemptsTotal counts individual attempts including retries.
	UploadAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_upload_attempts_total",
		Help: "Total upload attempts, by mode (single, multipart).",
	}, []string{"mode"})

	// UploadBytesTotal counts bytes successfully written to storage.
	UploadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_upload_bytes_total",
		Help: "Total bytes uploaded to object storage.",
	}, []string{"stream"})

	// UploadDuration observes wall time of successful uploads including retries.
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamrec_upload_duration_seconds",
		Help:    "Duration of successful uploads including retries.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"mode"})

	// DeadLettersTotal counts segments moved to the dead-letter area.
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_dead_letters_total",
		Help: "Total segments retained as dead letters, by stream and reason.",
	}, []string{"stream", "reason"})

	// DeadLetterLossTotal counts failed segments whose payload could not be
	// kept on local disk.
	DeadLetterLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_dead_letter_loss_total",
		Help: "Total failed segments dropped because no local copy could be written.",
	}, []string{"stream"})

	// ProcSignalsTotal counts signals sent to capture process groups.
	ProcSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_proc_signals_total",
		Help: "Total signals sent to capture process groups, by signal and result.",
	}, []string{"signal", "result"})

	// ConfigReloadsTotal counts configuration applies by result.
	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrec_config_reloads_total",
		Help: "Total configuration applies, by result.",
	}, []string{"result"})
)

// States lists every recorder state label used by RecorderState.
var States = []string{"stopped", "starting", "running", "stopping", "error"}

// SetRecorderState marks state as active for stream and clears all others.
func SetRecorderState(stream, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		RecorderState.WithLabelValues(stream, s).Set(v)
	}
	RecorderTransitionsTotal.WithLabelValues(stream, state).Inc()
}

// ForgetStream drops per-stream gauge series after a stream is removed.
func ForgetStream(stream string) {
	for _, s := range States {
		RecorderState.DeleteLabelValues(stream, s)
	}
	QueueDepth.DeleteLabelValues(stream, "memory")
	QueueDepth.DeleteLabelValues(stream, "spool")
}

// RecordIngestError increments the ingest error counter.
func RecordIngestError(stream, kind string) {
	IngestErrorsTotal.WithLabelValues(stream, kind).Inc()
}

// RecordSegment records an emitted segment of size bytes.
func RecordSegment(stream string, size int) {
	SegmentsTotal.WithLabelValues(stream).Inc()
	SegmentBytes.Observe(float64(size))
}

// SetQueueDepth updates pending task gauges for stream.
func SetQueueDepth(stream string, memory, spool int) {
	QueueDepth.WithLabelValues(stream, "memory").Set(float64(memory))
	QueueDepth.WithLabelValues(stream, "spool").Set(float64(spool))
}

// RecordOverflow increments the overflow counter.
func RecordOverflow(stream, action string) {
	QueueOverflowTotal.WithLabelValues(stream, action).Inc()
}

// RecordUpload records a terminal upload outcome.
func RecordUpload(stream, result string, bytes int64) {
	UploadsTotal.WithLabelValues(stream, result).Inc()
	if result == "success" {
		UploadBytesTotal.WithLabelValues(stream).Add(float64(bytes))
	}
}

// RecordProcSignal counts a signal delivery attempt.
func RecordProcSignal(signal, result string) {
	ProcSignalsTotal.WithLabelValues(signal, result).Inc()
}

// CounterValue returns the current value of a counter (for testing).
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue returns the current value of a gauge (for testing).
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
