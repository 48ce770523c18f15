package sysmon

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NetEase-Media/grps/internal/conf"
	"github.com/NetEase-Media/grps/internal/monitor"
)

type fakeReporter struct {
	mu   sync.Mutex
	vals map[string][]float64
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{vals: map[string][]float64{}}
}

func (r *fakeReporter) Avg(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[name] = append(r.vals[name], v)
}

func (r *fakeReporter) get(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.vals[name]...)
}

type fakeProber struct {
	count int
	usage map[int]float64
	mem   map[int]float64
}

func (p *fakeProber) DeviceCount() (int, error)           { return p.count, nil }
func (p *fakeProber) Usage(d int) (float64, error)        { return p.usage[d], nil }
func (p *fakeProber) MemUsedMiB(d int) (float64, error)   { return p.mem[d], nil }

func TestGpuSeedOnConstruction(t *testing.T) {
	r := newFakeReporter()
	prober := &fakeProber{count: 2, usage: map[int]float64{0: 35, 1: 70}, mem: map[int]float64{0: 1024, 1: 2048}}
	gpuConf := &conf.GpuConf{MemManagerType: "none", Devices: []int{0, 1}}

	_, err := New(clock.NewMock(), r, gpuConf, prober)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := r.get(monitor.GpuUsageMetric(0)); len(got) != 1 || got[0] != 35 {
		t.Errorf("gpu0 usage seed = %v, want [35]", got)
	}
	if got := r.get(monitor.GpuMemMetric(1)); len(got) != 1 || got[0] != 2048 {
		t.Errorf("gpu1 mem seed = %v, want [2048]", got)
	}
}

func TestUnknownDeviceReadsZero(t *testing.T) {
	r := newFakeReporter()
	prober := &fakeProber{count: 1, usage: map[int]float64{0: 50}, mem: map[int]float64{0: 512}}
	gpuConf := &conf.GpuConf{MemManagerType: "none", Devices: []int{3}}

	if _, err := New(clock.NewMock(), r, gpuConf, prober); err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.get(monitor.GpuUsageMetric(3)); len(got) != 1 || got[0] != 0 {
		t.Errorf("out-of-range device usage = %v, want [0]", got)
	}
}

func TestVisibleDevicesRemap(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "2,5")

	r := newFakeReporter()
	prober := &fakeProber{count: 8, usage: map[int]float64{2: 11, 5: 22}, mem: map[int]float64{2: 100, 5: 200}}
	gpuConf := &conf.GpuConf{MemManagerType: "none", Devices: []int{0, 1}}

	if _, err := New(clock.NewMock(), r, gpuConf, prober); err != nil {
		t.Fatalf("New: %v", err)
	}
	// Logical device 0 maps to physical 2, logical 1 to physical 5, while the
	// series keep the logical names.
	if got := r.get(monitor.GpuUsageMetric(0)); len(got) != 1 || got[0] != 11 {
		t.Errorf("logical gpu0 usage = %v, want [11]", got)
	}
	if got := r.get(monitor.GpuUsageMetric(1)); len(got) != 1 || got[0] != 22 {
		t.Errorf("logical gpu1 usage = %v, want [22]", got)
	}
}

func TestVisibleDevicesRejectsGarbage(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,a")
	if _, err := VisibleDevices(); err == nil {
		t.Fatal("want error for malformed CUDA_VISIBLE_DEVICES")
	}
}

func TestSamplingLoopReportsCPUAndMem(t *testing.T) {
	r := newFakeReporter()
	clk := clock.NewMock()
	m, err := New(clk, r, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start()
	defer m.Stop()

	// Two ticks: the first establishes the CPU time baseline, the second can
	// report. Memory reports on every tick.
	clk.Add(time.Second)
	clk.Add(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for len(r.get(monitor.MetricMemUsage)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("mem usage samples = %v", r.get(monitor.MetricMemUsage))
		}
		time.Sleep(time.Millisecond)
	}
	for _, v := range r.get(monitor.MetricMemUsage) {
		if v <= 0 || v > 100 {
			t.Errorf("mem usage %v out of range", v)
		}
	}
}
