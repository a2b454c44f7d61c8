// Package monitoring samples host memory and CPU utilization and
// answers a single question for the pipeline: is the process under
// enough pressure that non-critical records should be rejected at
// intake.
package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"layerlog/internal/metrics"
	"layerlog/pkg/types"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Sample is one utilization reading. Fractions are 0..1.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Memory    float64   `json:"memory"`
	CPU       float64   `json:"cpu"`
}

// ResourceMonitor periodically samples utilization via gopsutil and
// latches an overloaded flag when either threshold is crossed. The
// flag clears on the first sample back under both thresholds.
type ResourceMonitor struct {
	config types.MonitorConfig
	logger *logrus.Logger

	overloaded atomic.Bool

	mu   sync.RWMutex
	last Sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResourceMonitor builds a monitor from config. Zero values get the
// documented defaults.
func NewResourceMonitor(config types.MonitorConfig, logger *logrus.Logger) *ResourceMonitor {
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}
	if config.MemoryThreshold == 0 {
		config.MemoryThreshold = 0.90
	}
	if config.CPUThreshold == 0 {
		config.CPUThreshold = 0.95
	}
	return &ResourceMonitor{
		config: config,
		logger: logger,
	}
}

// Start launches the sampling loop. Disabled monitors never report
// overload.
func (rm *ResourceMonitor) Start(ctx context.Context) {
	if !rm.config.Enabled {
		rm.logger.Debug("Resource monitor disabled")
		return
	}

	ctx, rm.cancel = context.WithCancel(ctx)
	rm.done = make(chan struct{})
	go rm.run(ctx)

	rm.logger.WithFields(logrus.Fields{
		"interval":         rm.config.Interval,
		"memory_threshold": rm.config.MemoryThreshold,
		"cpu_threshold":    rm.config.CPUThreshold,
	}).Info("Resource monitor started")
}

// Stop halts the sampling loop.
func (rm *ResourceMonitor) Stop() {
	if rm.cancel == nil {
		return
	}
	rm.cancel()
	<-rm.done
}

// Overloaded reports whether the last sample crossed a threshold.
func (rm *ResourceMonitor) Overloaded() bool {
	return rm.overloaded.Load()
}

// Last returns the most recent sample.
func (rm *ResourceMonitor) Last() Sample {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.last
}

func (rm *ResourceMonitor) run(ctx context.Context) {
	defer close(rm.done)

	ticker := time.NewTicker(rm.config.Interval)
	defer ticker.Stop()

	rm.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sample(ctx)
		}
	}
}

func (rm *ResourceMonitor) sample(ctx context.Context) {
	sample := Sample{Timestamp: time.Now().UTC()}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		rm.logger.WithError(err).Debug("Memory sample failed")
	} else {
		sample.Memory = vm.UsedPercent / 100.0
	}

	// Zero interval reads the counters since the previous call, so the
	// ticker cadence is the effective CPU window.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		rm.logger.WithError(err).Debug("CPU sample failed")
	} else if len(percents) > 0 {
		sample.CPU = percents[0] / 100.0
	}

	rm.mu.Lock()
	rm.last = sample
	rm.mu.Unlock()

	metrics.MemoryUtilization.Set(sample.Memory)
	metrics.CPUUtilization.Set(sample.CPU)

	over := sample.Memory >= rm.config.MemoryThreshold || sample.CPU >= rm.config.CPUThreshold
	if over != rm.overloaded.Swap(over) {
		if over {
			rm.logger.WithFields(logrus.Fields{
				"memory": sample.Memory,
				"cpu":    sample.CPU,
			}).Warn("Resource pressure detected, rejecting non-critical records")
		} else {
			rm.logger.Info("Resource pressure cleared")
		}
	}
}
