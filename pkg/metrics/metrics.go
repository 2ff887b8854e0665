package metrics

import (
	"runtime"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// SlowOperation is the duration after which an operation is logged as slow.
const SlowOperation = 30 * time.Second

// Metrics holds performance metrics for image operations
type Metrics struct {
	StartTime     time.Time
	LastOperation string
	LastDuration  time.Duration
	ImageCount    int
	MemoryUsage   uint64

	log logrus.FieldLogger
}

// NewMetrics creates a new metrics instance
func NewMetrics(logger logrus.FieldLogger) *Metrics {
	return &Metrics{
		StartTime: time.Now(),
		log:       logger,
	}
}

// LogOperation logs the duration of an operation
func (m *Metrics) LogOperation(operation string, start time.Time) {
	duration := time.Since(start)
	m.LastOperation = operation
	m.LastDuration = duration

	entry := m.log.WithFields(logrus.Fields{
		"operation": operation,
		"duration":  duration.Round(time.Millisecond),
	})
	if duration > SlowOperation {
		entry.Warn("operation took longer than expected")
		return
	}
	entry.Debug("operation completed")
}

// UpdateImageCount records how many references the cache indexes
func (m *Metrics) UpdateImageCount(count int) {
	m.ImageCount = count
}

// LogResourceUsage logs current resource usage
func (m *Metrics) LogResourceUsage() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemoryUsage = mem.Alloc

	m.log.WithFields(logrus.Fields{
		"uptime":         time.Since(m.StartTime).Round(time.Millisecond),
		"images":         m.ImageCount,
		"memory":         units.BytesSize(float64(m.MemoryUsage)),
		"last_operation": m.LastOperation,
		"last_duration":  m.LastDuration.Round(time.Millisecond),
	}).Debug("resource usage")
}

// Timer provides a simple way to measure operation duration
type Timer struct {
	name  string
	start time.Time
	log   logrus.FieldLogger
}

// NewTimer creates a new timer for an operation
func NewTimer(logger logrus.FieldLogger, operation string) *Timer {
	logger.Debugf("starting %s", operation)
	return &Timer{
		name:  operation,
		start: time.Now(),
		log:   logger,
	}
}

// Started returns when the timer was created.
func (t *Timer) Started() time.Time {
	return t.start
}

// Stop stops the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	t.log.WithField("duration", duration.Round(time.Millisecond)).Infof("%s completed", t.name)
	return duration
}
