// Package metrics provides the Prometheus mirror of the built-in monitor
// series, scraped at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Serving ────────────────────────────────────────────────────────────────

// RequestLatency tracks predict request duration in seconds.
var RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "grps",
	Name:      "request_latency_seconds",
	Help:      "Predict request duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"interface"})

// RequestsTotal tracks predict requests by transport.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "grps",
	Name:      "requests_total",
	Help:      "Total predict requests.",
}, []string{"interface"})

// RequestFailures tracks failed predict requests by transport.
var RequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "grps",
	Name:      "request_failures_total",
	Help:      "Total failed predict requests.",
}, []string{"interface"})

// GpuOOMTotal tracks inference failures that look like GPU out-of-memory.
var GpuOOMTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "grps",
	Name:      "gpu_oom_total",
	Help:      "Total inference failures classified as GPU OOM.",
})

// BatchSize tracks dynamic batch sizes at submit time.
var BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "grps",
	Name:      "batch_size",
	Help:      "Dynamic batching batch size at submit time.",
	Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
}, []string{"model"})

// ─── Resources ──────────────────────────────────────────────────────────────

// CPUUsage tracks process CPU usage percentage (100 = one full core).
var CPUUsage = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "grps",
	Name:      "cpu_usage_percent",
	Help:      "Process CPU usage percentage.",
})

// MemUsage tracks process RSS as a percentage of host memory.
var MemUsage = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "grps",
	Name:      "mem_usage_percent",
	Help:      "Process RSS as a percentage of total host memory.",
})

// GPUUsage tracks per-device GPU utilization percentage.
var GPUUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "grps",
	Name:      "gpu_usage_percent",
	Help:      "GPU utilization percentage per device.",
}, []string{"device"})

// GPUMemUsage tracks per-device GPU memory usage in MiB.
var GPUMemUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "grps",
	Name:      "gpu_mem_usage_mib",
	Help:      "GPU memory used per device in MiB.",
}, []string{"device"})
