package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WeatherFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvforecast_weather_fetch_total",
			Help: "Total weather model fetches",
		},
		[]string{"source", "status"},
	)

	WeatherFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvforecast_weather_fetch_latency_seconds",
			Help:    "Weather model fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvforecast_weather_samples_rejected_total",
			Help: "Weather sample fields nulled by validation",
		},
		[]string{"field"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvforecast_cycles_total",
			Help: "Scheduler cycles by result",
		},
		[]string{"result"},
	)

	ComputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pvforecast_compute_duration_seconds",
			Help:    "Time to compute all series for one model run",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	SchedulerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvforecast_scheduler_state",
			Help: "1 for the scheduler's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	PublishedRunTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvforecast_published_run_time_seconds",
			Help: "Unix time of the model run behind the published series",
		},
	)

	PublishedPoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvforecast_published_points",
			Help: "Hourly points in the published series",
		},
		[]string{"array"},
	)

	ProductionSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvforecast_production_samples_total",
			Help: "Actual production samples by outcome",
		},
		[]string{"outcome"},
	)

	AccuracyRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvforecast_accuracy_records_total",
			Help: "Accuracy records created",
		},
		[]string{"array"},
	)
)
