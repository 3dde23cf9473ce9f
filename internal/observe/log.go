// Package observe adapts pipeline snapshots and scheduler events to logs,
// Redis streams and Prometheus metrics.
package observe

import (
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/pipeline"
)

// LogObserver writes one structured line per stage transition.
type LogObserver struct {
	log *zap.Logger
}

// NewLogObserver logs through l, or the global logger when l is nil.
func NewLogObserver(l *zap.Logger) *LogObserver {
	if l == nil {
		l = zap.L()
	}
	return &LogObserver{log: l.With(zap.String("component", "observe.log"))}
}

// Observe implements pipeline.Observer.
func (o *LogObserver) Observe(s pipeline.Snapshot) {
	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("mode", string(s.Mode)),
		zap.String("stage", string(s.Stage)),
	}
	switch s.Stage {
	case pipeline.StageComplete:
		o.log.Info("run complete", append(fields,
			zap.Int("collected", s.Collected),
			zap.Int("stored", s.Stored),
			zap.Int("duplicates", s.Duplicates),
			zap.Int("processed", s.ProcessedCount),
			zap.Int("analysis_failed", s.AnalysisFailed),
			zap.Int("stragglers", s.Stragglers),
			zap.Strings("failed_sources", s.FailedSources),
			zap.Duration("elapsed", s.UpdatedAt.Sub(s.StartedAt)),
		)...)
	case pipeline.StageFailed:
		o.log.Error("run failed", append(fields, zap.String("error", s.Error))...)
	default:
		o.log.Debug("run progress", fields...)
	}
}
