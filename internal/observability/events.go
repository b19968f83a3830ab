package observability

import "github.com/oceanrun/jobkeep/internal/logger"

// EventSink receives the observability events §4.4 and §4.2 call for
// ("emit an observability event") without committing the core to a specific
// metrics backend. Components depend only on this interface.
type EventSink interface {
	Emit(event string, fields ...interface{})
}

// LogSink is the default EventSink: it logs the event via zap. An operator
// wanting Prometheus/StatsD/etc. wraps their sink around the same interface.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.With("component", "EventSink")}
}

func (s *LogSink) Emit(event string, fields ...interface{}) {
	s.log.Info(event, fields...)
}

// NoopSink discards events; useful in tests.
type NoopSink struct{}

func (NoopSink) Emit(string, ...interface{}) {}
