package metrics

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	timer := NewTimer(logger, "fetch library/alpine:latest")
	d := timer.Stop()
	assert.GreaterOrEqual(t, d, time.Duration(0))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "starting fetch library/alpine:latest", entries[0].Message)
	assert.Equal(t, "fetch library/alpine:latest completed", entries[1].Message)
	assert.Contains(t, entries[1].Data, "duration")
}

func TestLogOperation(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m := NewMetrics(logger)

	m.LogOperation("list", time.Now())
	assert.Equal(t, "list", m.LastOperation)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)

	m.LogOperation("checkout", time.Now().Add(-2*SlowOperation))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "checkout", hook.LastEntry().Data["operation"])

	m.UpdateImageCount(3)
	m.LogResourceUsage()
	assert.Equal(t, 3, hook.LastEntry().Data["images"])
	assert.NotZero(t, m.MemoryUsage)
}
