package monitoring

import (
	"context"
	"testing"
	"time"

	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func monitorLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestDisabledMonitorNeverOverloaded(t *testing.T) {
	rm := NewResourceMonitor(types.MonitorConfig{Enabled: false}, monitorLogger())
	rm.Start(context.Background())
	defer rm.Stop()

	assert.False(t, rm.Overloaded())
}

func TestDefaultsApplied(t *testing.T) {
	rm := NewResourceMonitor(types.MonitorConfig{}, monitorLogger())
	assert.Equal(t, 10*time.Second, rm.config.Interval)
	assert.Equal(t, 0.90, rm.config.MemoryThreshold)
	assert.Equal(t, 0.95, rm.config.CPUThreshold)
}

func TestSamplePopulatesLast(t *testing.T) {
	rm := NewResourceMonitor(types.MonitorConfig{
		Enabled:         true,
		Interval:        10 * time.Millisecond,
		MemoryThreshold: 0.99,
		CPUThreshold:    0.99,
	}, monitorLogger())

	rm.sample(context.Background())
	last := rm.Last()
	assert.False(t, last.Timestamp.IsZero())
	assert.GreaterOrEqual(t, last.Memory, 0.0)
	assert.LessOrEqual(t, last.Memory, 1.0)
}

func TestOverloadLatchesOnLowThreshold(t *testing.T) {
	// Any real host exceeds a near-zero memory threshold.
	rm := NewResourceMonitor(types.MonitorConfig{
		Enabled:         true,
		Interval:        time.Hour,
		MemoryThreshold: 0.0001,
		CPUThreshold:    0.99,
	}, monitorLogger())

	rm.sample(context.Background())
	assert.True(t, rm.Overloaded())

	// Raising the threshold clears it on the next sample.
	rm.config.MemoryThreshold = 0.9999
	rm.config.CPUThreshold = 0.9999
	rm.sample(context.Background())
	assert.False(t, rm.Overloaded())
}

func TestStartStop(t *testing.T) {
	rm := NewResourceMonitor(types.MonitorConfig{
		Enabled:  true,
		Interval: 5 * time.Millisecond,
	}, monitorLogger())

	rm.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	rm.Stop()

	assert.False(t, rm.Last().Timestamp.IsZero())
}
