package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_harvest_jobs_processed_total",
		Help: "Total number of harvest jobs processed, by status",
	}, []string{"status"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiapx_harvest_job_duration_seconds",
		Help:    "Duration of harvest job stages",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiapx_harvest_frame_stage_duration_seconds",
		Help:    "Per-frame duration of detect, consensus, crop and persist",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"stage"})

	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiapx_harvest_frames_sampled_total",
		Help: "Total number of sampled frames across all videos",
	})

	FramesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_harvest_frames_skipped_total",
		Help: "Sampled frames that produced no crop, by reason",
	}, []string{"reason"})

	CropsSavedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_harvest_crops_saved_total",
		Help: "Crops written to the dataset, by category",
	}, []string{"category"})

	CropsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_harvest_crops_discarded_total",
		Help: "Crops dropped, by reason",
	}, []string{"reason"})

	VideosProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_harvest_videos_processed_total",
		Help: "Videos processed, by result",
	}, []string{"result"})

	PipelineState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiapx_harvest_pipeline_state",
		Help: "Current pipeline state (0 idle, 1 loading, 2 processing, 3 finalizing, 4 stopped)",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiapx_harvest_active_workers",
		Help: "Number of currently active workers processing jobs",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiapx_harvest_retry_total",
		Help: "Total number of retries",
	}, []string{"attempt"})
)
