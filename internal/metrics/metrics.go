package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miitopia_requests_total",
			Help: "Total number of accepted chat requests by platform and outcome class",
		},
		[]string{"platform", "outcome"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miitopia_requests_in_flight",
			Help: "Number of chat requests currently being processed",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "miitopia_stage_duration_seconds",
			Help:    "Duration of each request stage in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)
)

// Transcoder metrics
var (
	MergesInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miitopia_merges_in_progress",
			Help: "Number of ffmpeg merges currently running",
		},
	)

	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miitopia_merges_total",
			Help: "Total number of ffmpeg merges by media kind and status",
		},
		[]string{"kind", "status"},
	)
)

// Audio source metrics
var (
	LibraryTracks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miitopia_library_tracks",
			Help: "Number of tracks in the audio library snapshot",
		},
	)

	SourceResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miitopia_source_resolutions_total",
			Help: "Total number of audio source resolutions by source kind and status",
		},
		[]string{"source", "status"},
	)

	TokenExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miitopia_token_exchanges_total",
			Help: "Total number of streaming-service credential exchanges",
		},
		[]string{"status"},
	)
)

// Housekeeping metrics
var (
	TempEntriesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "miitopia_temp_entries_reaped_total",
			Help: "Total number of stale request directories removed by the reaper",
		},
	)

	GoMemAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miitopia_go_mem_alloc_bytes",
			Help: "Current heap allocation in bytes",
		},
	)

	GoGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miitopia_go_goroutines",
			Help: "Current number of goroutines",
		},
	)
)
