package eventlog

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// LogSink mirrors entries into the process log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each entry at the matching zap level.
func (s *LogSink) Consume(_ context.Context, entries []harvest.LogEntry) error {
	for _, e := range entries {
		fields := []zap.Field{
			zap.String("log_id", e.ID),
			zap.String("job_id", e.JobID),
			zap.String("source_id", e.SourceID),
			zap.String("action", e.Action),
		}
		if len(e.Details) > 0 {
			fields = append(fields, zap.Any("details", e.Details))
		}
		if ce := s.logger.Check(zapLevel(e.Level), e.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func zapLevel(l harvest.LogLevel) zapcore.Level {
	switch l {
	case harvest.LevelDebug:
		return zapcore.DebugLevel
	case harvest.LevelWarn:
		return zapcore.WarnLevel
	case harvest.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// PrometheusSink counts entries by level and action.
type PrometheusSink struct {
	entries *prometheus.CounterVec
}

// NewPrometheusSink registers the collector against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_log_entries_total",
			Help: "Structured log entries recorded, partitioned by level and action.",
		}, []string{"level", "action"}),
	}
	if err := reg.Register(s.entries); err != nil {
		return nil, fmt.Errorf("register log entries counter: %w", err)
	}
	return s, nil
}

// Consume increments the counter for each entry.
func (s *PrometheusSink) Consume(_ context.Context, entries []harvest.LogEntry) error {
	for _, e := range entries {
		s.entries.WithLabelValues(string(e.Level), e.Action).Inc()
	}
	return nil
}
