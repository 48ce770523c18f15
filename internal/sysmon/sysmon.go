// Package sysmon samples process and GPU resource usage into the monitor
// every second: CPU time from the process stat deltas, RSS against total host
// memory, and utilization plus used memory per configured GPU. It also hosts
// the optional GPU memory limit and periodic cache GC.
package sysmon

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/NetEase-Media/grps/internal/conf"
	"github.com/NetEase-Media/grps/internal/infra/metrics"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/monitor"
)

// Reporter is the slice of the monitor sysmon reports into.
type Reporter interface {
	Avg(name string, v float64)
}

// SystemMonitor owns the sampling loop.
type SystemMonitor struct {
	clk      clock.Clock
	reporter Reporter
	gpuConf  *conf.GpuConf

	prober  Prober
	remap   []int // logical device -> physical device, from CUDA_VISIBLE_DEVICES
	memMgr  GpuMemManager
	gcSteps int

	proc *process.Process

	prevTotal float64
	prevProc  float64

	done chan struct{}
	stop chan struct{}
}

// New builds a stopped SystemMonitor. gpuConf may be nil for CPU-only hosts;
// prober may be nil to use the nvidia-smi prober.
func New(clk clock.Clock, reporter Reporter, gpuConf *conf.GpuConf, prober Prober) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open own process: %w", err)
	}
	m := &SystemMonitor{
		clk:      clk,
		reporter: reporter,
		gpuConf:  gpuConf,
		proc:     proc,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	if gpuConf == nil {
		return m, nil
	}

	m.prober = prober
	if m.prober == nil {
		m.prober = NewSmiProber()
	}
	m.remap, err = VisibleDevices()
	if err != nil {
		return nil, err
	}

	m.memMgr, err = NewGpuMemManager(gpuConf.MemManagerType, gpuConf.Devices)
	if err != nil {
		return nil, err
	}
	if m.memMgr != nil {
		if err := m.memMgr.SetMemLimit(gpuConf.MemLimitMib); err != nil {
			return nil, err
		}
		if gpuConf.MemGcEnable {
			m.gcSteps = gpuConf.MemGcInterval
		}
		logger.Server().Infof("gpu memory monitor init, gc_enable: %v, gc_steps: %d, mem_limit_mib: %d, mem_manager_type: %s",
			gpuConf.MemGcEnable, m.gcSteps, gpuConf.MemLimitMib, gpuConf.MemManagerType)
	}

	// Seed the GPU series so the dashboard shows them before the first tick.
	for _, device := range gpuConf.Devices {
		m.sampleGpu(device)
	}
	return m, nil
}

// Start launches the sampling loop.
func (m *SystemMonitor) Start() {
	logger.Server().Infof("start system monitor")
	go m.loop()
}

// Stop terminates the sampling loop and waits for it.
func (m *SystemMonitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *SystemMonitor) loop() {
	defer close(m.done)
	ticker := m.clk.Ticker(time.Second)
	defer ticker.Stop()
	step := 0
	for {
		select {
		case <-ticker.C:
			step++
			m.sampleCPU()
			m.sampleMem()
			if m.gpuConf != nil {
				for _, device := range m.gpuConf.Devices {
					m.sampleGpu(device)
				}
				if m.gcSteps > 0 && step%m.gcSteps == 0 {
					if err := m.memMgr.GpuMemGC(); err != nil {
						logger.Server().Errorf("gpu mem gc: %v", err)
					}
				}
			}
		case <-m.stop:
			return
		}
	}
}

// sampleCPU reports process CPU time over host CPU time, scaled by core count
// so 100 means one full core.
func (m *SystemMonitor) sampleCPU() {
	hostTimes, err := cpu.Times(false)
	if err != nil || len(hostTimes) == 0 {
		logger.Server().Errorf("read host cpu times: %v", err)
		return
	}
	h := hostTimes[0]
	total := h.User + h.Nice + h.System + h.Idle + h.Iowait + h.Irq + h.Softirq + h.Steal

	procTimes, err := m.proc.Times()
	if err != nil {
		logger.Server().Errorf("read process cpu times: %v", err)
		return
	}
	used := procTimes.User + procTimes.System

	if m.prevTotal != 0 && total > m.prevTotal {
		usage := (used - m.prevProc) / (total - m.prevTotal) * float64(runtime.NumCPU()) * 100
		m.reporter.Avg(monitor.MetricCPUUsage, usage)
		metrics.CPUUsage.Set(usage)
	}
	m.prevTotal = total
	m.prevProc = used
}

// sampleMem reports RSS as a percentage of total host memory.
func (m *SystemMonitor) sampleMem() {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		logger.Server().Errorf("read host memory: %v", err)
		return
	}
	mi, err := m.proc.MemoryInfo()
	if err != nil {
		logger.Server().Errorf("read process memory: %v", err)
		return
	}
	usage := float64(mi.RSS) / float64(vm.Total) * 100
	m.reporter.Avg(monitor.MetricMemUsage, usage)
	metrics.MemUsage.Set(usage)
}

// sampleGpu reports one device's utilization and used memory under the
// logical device index. A device beyond the installed count reads zero.
func (m *SystemMonitor) sampleGpu(device int) {
	physical := device
	if m.remap != nil && device < len(m.remap) {
		physical = m.remap[device]
	}

	usage, memUsed := 0.0, 0.0
	if count, err := m.prober.DeviceCount(); err == nil && physical < count {
		if v, err := m.prober.Usage(physical); err == nil {
			usage = v
		} else {
			logger.Server().Errorf("probe gpu%d usage: %v", physical, err)
		}
		if v, err := m.prober.MemUsedMiB(physical); err == nil {
			memUsed = v
		} else {
			logger.Server().Errorf("probe gpu%d memory: %v", physical, err)
		}
	}
	m.reporter.Avg(monitor.GpuUsageMetric(device), usage)
	m.reporter.Avg(monitor.GpuMemMetric(device), memUsed)
	label := fmt.Sprintf("%d", device)
	metrics.GPUUsage.WithLabelValues(label).Set(usage)
	metrics.GPUMemUsage.WithLabelValues(label).Set(memUsed)
}
