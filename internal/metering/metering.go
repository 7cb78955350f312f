// Package metering exposes Prometheus instrumentation for the publish loop.
package metering

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"

	"github.com/fleetsim/fleetsim/internal/scheduler"
)

// System call wrappers for testing
var (
	cpuPercent    = gocpu.PercentWithContext
	loadAvg       = goload.AvgWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
)

const hostSnapshotTimeout = time.Second

// Metrics manages Prometheus instrumentation for simulation cycles.
type Metrics struct {
	registry *prometheus.Registry

	cycles     prometheus.Counter
	datapoints prometheus.Counter
	overloads  prometheus.Counter

	cycleSeconds       prometheus.Gauge
	throughput         prometheus.Gauge
	capacityRatio      prometheus.Gauge
	devices            prometheus.Gauge
	datapointsPerCycle prometheus.Gauge
}

// New builds the cycle collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetsim",
				Name:      "cycles_total",
				Help:      "Total publish cycles completed since startup.",
			},
		),
		datapoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetsim",
				Name:      "datapoints_total",
				Help:      "Total data points published since startup.",
			},
		),
		overloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetsim",
				Name:      "overloads_total",
				Help:      "Cycles whose publishing ran past the configured interval.",
			},
		),
		cycleSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetsim",
				Name:      "cycle_duration_seconds",
				Help:      "Wall-clock duration of the most recent publish cycle.",
			},
		),
		throughput: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetsim",
				Name:      "throughput_datapoints_per_second",
				Help:      "Publish rate observed during the most recent cycle.",
			},
		),
		capacityRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetsim",
				Name:      "capacity_ratio",
				Help:      "Fraction of the cycle interval consumed by publishing. Values at or above 1 indicate overload.",
			},
		),
		devices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetsim",
				Name:      "devices",
				Help:      "Devices emulated by the current configuration.",
			},
		),
		datapointsPerCycle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetsim",
				Name:      "datapoints_per_cycle",
				Help:      "Data points produced per cycle by the current configuration.",
			},
		),
	}

	m.registry.MustRegister(
		m.cycles,
		m.datapoints,
		m.overloads,
		m.cycleSeconds,
		m.throughput,
		m.capacityRatio,
		m.devices,
		m.datapointsPerCycle,
	)

	return m
}

// Registry returns the registry backing the collectors for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCycle records the outcome of a completed publish cycle.
func (m *Metrics) ObserveCycle(stats scheduler.CycleStats) {
	m.cycles.Inc()
	m.datapoints.Add(float64(stats.Datapoints))

	m.cycleSeconds.Set(stats.Elapsed.Seconds())
	m.throughput.Set(stats.Throughput())
	m.capacityRatio.Set(stats.CapacityRatio())
	m.devices.Set(float64(stats.Devices))
	m.datapointsPerCycle.Set(float64(stats.Datapoints))

	if stats.Overloaded {
		m.overloads.Inc()
		logHostSnapshot(stats)
	}
}

// logHostSnapshot samples host utilisation when a cycle overruns, so the
// operator can tell saturation of this process apart from a slow broker.
func logHostSnapshot(stats scheduler.CycleStats) {
	ctx, cancel := context.WithTimeout(context.Background(), hostSnapshotTimeout)
	defer cancel()

	ev := log.Debug().
		Uint64("cycle", stats.Cycle).
		Dur("elapsed", stats.Elapsed).
		Dur("interval", stats.Interval)

	if percentages, err := cpuPercent(ctx, 0, false); err == nil && len(percentages) > 0 {
		ev = ev.Float64("cpuPercent", percentages[0])
	}
	if avg, err := loadAvg(ctx); err == nil && avg != nil {
		ev = ev.Float64("load1", avg.Load1)
	}
	if memStats, err := virtualMemory(ctx); err == nil {
		ev = ev.Float64("memoryPercent", memStats.UsedPercent)
	}

	ev.Msg("Host utilisation at overload")
}
