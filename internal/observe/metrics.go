package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/pipeline"
	"github.com/sells-group/market-intel/internal/scheduler"
)

const namespace = "market_intel"

var stages = []pipeline.Stage{
	pipeline.StageIdle,
	pipeline.StageCollecting,
	pipeline.StageProcessing,
	pipeline.StageAnalyzing,
	pipeline.StageComplete,
	pipeline.StageFailed,
}

var statuses = []scheduler.Status{scheduler.StatusOK, scheduler.StatusFailing, scheduler.StatusSuspended}

// Metrics holds the Prometheus collectors for collection, processing and
// run progress.
type Metrics struct {
	CollectionsTotal   *prometheus.CounterVec
	CollectionDuration *prometheus.HistogramVec
	ItemsStored        *prometheus.CounterVec
	ItemsDuplicate     *prometheus.CounterVec
	SourceStatus       *prometheus.GaugeVec

	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram

	RunsTotal *prometheus.CounterVec
	RunStage  *prometheus.GaugeVec
}

// NewMetrics registers all collectors on reg, or the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CollectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collect",
			Name:      "runs_total",
			Help:      "Terminal collection runs by source and outcome.",
		}, []string{"source_id", "category", "outcome"}),
		CollectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collect",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a single collection.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"source_id"}),
		ItemsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collect",
			Name:      "items_stored_total",
			Help:      "Items newly persisted.",
		}, []string{"source_id"}),
		ItemsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collect",
			Name:      "items_duplicate_total",
			Help:      "Items dropped as duplicates.",
		}, []string{"source_id"}),
		SourceStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "source_status",
			Help:      "1 for the current health status of each source.",
		}, []string{"source_id", "status"}),
		AnalysesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processing",
			Name:      "analyses_total",
			Help:      "Item analyses by result.",
		}, []string{"category", "result"}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processing",
			Name:      "analysis_duration_seconds",
			Help:      "Duration of one item analysis including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by mode and terminal stage.",
		}, []string{"mode", "stage"}),
		RunStage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage",
			Help:      "1 for the stage of the most recent run.",
		}, []string{"stage"}),
	}
}

// ObserveCollection is a scheduler OnComplete hook.
func (m *Metrics) ObserveCollection(run model.CollectionRun, category model.Category) {
	m.CollectionsTotal.WithLabelValues(run.SourceID, string(category), string(run.Outcome)).Inc()
	m.CollectionDuration.WithLabelValues(run.SourceID).Observe(run.Elapsed().Seconds())
	if run.Stored > 0 {
		m.ItemsStored.WithLabelValues(run.SourceID).Add(float64(run.Stored))
	}
	if run.Duplicates > 0 {
		m.ItemsDuplicate.WithLabelValues(run.SourceID).Add(float64(run.Duplicates))
	}
}

// ObserveStatus is a scheduler OnStatusChange hook.
func (m *Metrics) ObserveStatus(sourceID string, _, to scheduler.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == to {
			v = 1
		}
		m.SourceStatus.WithLabelValues(sourceID, string(s)).Set(v)
	}
}

// ObserveItem is a processing OnItem hook.
func (m *Metrics) ObserveItem(item model.StoredItem, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.AnalysesTotal.WithLabelValues(string(item.Category), result).Inc()
	m.AnalysisDuration.Observe(elapsed.Seconds())
}

// Observe implements pipeline.Observer.
func (m *Metrics) Observe(s pipeline.Snapshot) {
	for _, st := range stages {
		v := 0.0
		if st == s.Stage {
			v = 1
		}
		m.RunStage.WithLabelValues(string(st)).Set(v)
	}
	if s.Stage.Terminal() {
		m.RunsTotal.WithLabelValues(string(s.Mode), string(s.Stage)).Inc()
	}
}
