// Package monitor is the in-process metrics aggregator behind the
// /grps/v1/monitor endpoints. Callers report values under free-form names with
// one of five aggregations; a single goroutine folds them into per-second
// buckets and rolls them up into minute, hour and day rings, so reporting
// never blocks a predict thread.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NetEase-Media/grps/internal/logger"
)

// Well-known metric names reported by the serving path.
const (
	MetricQPS        = "*qps"
	MetricFailRate   = "*fail_rate(%)"
	MetricLatencyAvg = "*latency_avg(ms)"
	MetricLatencyMax = "*latency_max(ms)"
	MetricLatencyCDF = "*latency_cdf(ms)"
	MetricGpuOOM     = "*gpu_oom_count"
	MetricCPUUsage   = "*cpu_usage(%)"
	MetricMemUsage   = "*mem_usage(%)"
)

// GpuUsageMetric returns the utilization metric name for one GPU.
func GpuUsageMetric(device int) string { return fmt.Sprintf("*gpu%d_usage(%%)", device) }

// GpuMemMetric returns the memory metric name for one GPU.
func GpuMemMetric(device int) string { return fmt.Sprintf("*gpu%d_mem_usage(MIB)", device) }

// MonitorLogName is the per-second metrics dump under the log directory.
const MonitorLogName = "grps_monitor.log"

const pieceQueueSize = 1000

type piece struct {
	name  string
	value float64
	agg   AggType
}

// compose bundles the four granularities of one metric name.
type compose struct {
	agg    AggType
	second *history
	minute *history
	hour   *history
	day    *history
}

func newCompose(agg AggType) *compose {
	return &compose{
		agg:    agg,
		second: newHistory(unitSecond, agg),
		minute: newHistory(unitMinute, agg),
		hour:   newHistory(unitHour, agg),
		day:    newHistory(unitDay, agg),
	}
}

// tick rolls the second ring and, at granularity boundaries, folds settled
// fine buckets into the coarser rings as their mean.
func (c *compose) tick(tickCount int64) {
	c.second.roll()
	if c.agg == AggCDF {
		return
	}
	if tickCount%60 == 0 {
		c.minute.roll()
		if c.agg == AggAvg {
			c.minute.mergePairs(c.second.pairs[c.second.lastN : len(c.second.pairs)-1])
		} else {
			c.minute.mergeScalars(c.second.vals[c.second.lastN:len(c.second.vals)-1], c.second.defaultVal)
		}
	}
	if tickCount%3600 == 0 {
		c.hour.roll()
		c.hour.mergeScalars(c.minute.vals, c.minute.defaultVal)
	}
	if tickCount%86400 == 0 {
		c.day.roll()
		c.day.mergeScalars(c.hour.vals, c.hour.defaultVal)
	}
}

// Series is the payload of one /monitor/series response. Trend points are
// (index, value) pairs over day++hour++minute++second buckets; cdf points are
// (percentile label, value) pairs.
type Series struct {
	Label string       `json:"label"`
	Data  [][2]float64 `json:"data"`
}

func (c *compose) read() *Series {
	if c.agg == AggCDF {
		return &Series{Label: "cdf", Data: c.second.readCDF()}
	}
	var flat []float64
	flat = append(flat, c.day.read()...)
	flat = append(flat, c.hour.read()...)
	flat = append(flat, c.minute.read()...)
	flat = append(flat, c.second.read()...)
	data := make([][2]float64, len(flat))
	for i, v := range flat {
		data[i] = [2]float64{float64(i), round2(v)}
	}
	return &Series{Label: "trend", Data: data}
}

// lastSecond returns the newest settled second bucket, or the full cdf pairs.
func (c *compose) lastSecond() (float64, [][2]float64) {
	if c.agg == AggCDF {
		return 0, c.second.readCDF()
	}
	pts := c.second.read()
	if len(pts) == 0 {
		return 0, nil
	}
	return pts[len(pts)-1], nil
}

func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}

// Monitor owns every metric name reported in the process.
type Monitor struct {
	clk    clock.Clock
	logDir string

	pieces chan piece
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	composes  map[string]*compose
	tickCount int64
}

// New builds a stopped Monitor dumping to logDir. Production passes
// clock.New(); tests pass a mock to drive the per-second roll.
func New(clk clock.Clock, logDir string) *Monitor {
	return &Monitor{
		clk:      clk,
		logDir:   logDir,
		pieces:   make(chan piece, pieceQueueSize),
		done:     make(chan struct{}),
		composes: make(map[string]*compose),
	}
}

// Start launches the aggregation and dump loops.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.aggLoop()
	go m.dumpLoop()
}

// Stop terminates both loops and waits for them.
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Avg reports a value folded as the per-second mean.
func (m *Monitor) Avg(name string, v float64) { m.put(name, v, AggAvg) }

// Max reports a value folded as the per-second maximum.
func (m *Monitor) Max(name string, v float64) { m.put(name, v, AggMax) }

// Min reports a value folded as the per-second minimum.
func (m *Monitor) Min(name string, v float64) { m.put(name, v, AggMin) }

// Inc reports a value added to the per-second sum.
func (m *Monitor) Inc(name string, v float64) { m.put(name, v, AggInc) }

// CDF reports a sample kept for percentile calculation.
func (m *Monitor) CDF(name string, v float64) { m.put(name, v, AggCDF) }

// put enqueues one report. A full queue drops the piece rather than blocking
// the serving path.
func (m *Monitor) put(name string, v float64, agg AggType) {
	select {
	case m.pieces <- piece{name: name, value: v, agg: agg}:
	default:
		logger.Server().Errorf("monitor metrics queue is full, dropping %s", name)
	}
}

// Read returns the series for one metric name.
func (m *Monitor) Read(name string) (*Series, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.composes[name]
	if !ok {
		return nil, false
	}
	return c.read(), true
}

// Names returns every known metric name, sorted.
func (m *Monitor) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.composes))
	for name := range m.composes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsCDF reports whether name aggregates as a cdf.
func (m *Monitor) IsCDF(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.composes[name]
	return ok && c.agg == AggCDF
}

func (m *Monitor) aggLoop() {
	defer m.wg.Done()
	ticker := m.clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case p := <-m.pieces:
			m.absorb(p)
		case <-ticker.C:
			m.tickAll()
		case <-m.done:
			// Drain what is already queued so late reports are not lost.
			for {
				select {
				case p := <-m.pieces:
					m.absorb(p)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) absorb(p piece) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.composes[p.name]
	if !ok {
		c = newCompose(p.agg)
		m.composes[p.name] = c
	}
	if c.agg != p.agg {
		logger.Server().Errorf("metrics %s agg type mismatch: got %s, registered %s", p.name, p.agg, c.agg)
		return
	}
	c.second.put(p.value)
}

func (m *Monitor) tickAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickCount++
	for _, c := range m.composes {
		c.tick(m.tickCount)
	}
}

// dumpLoop overwrites grps_monitor.log with the newest settled values every
// second.
func (m *Monitor) dumpLoop() {
	defer m.wg.Done()
	path := filepath.Join(m.logDir, MonitorLogName)
	ticker := m.clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := os.WriteFile(path, []byte(m.dump()), 0o644); err != nil {
				logger.Server().Errorf("dump metrics to %s: %v", path, err)
			}
		case <-m.done:
			return
		}
	}
}

// dump renders the per-second snapshot. CDF metrics dump five fixed
// percentiles.
func (m *Monitor) dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	names := make([]string, 0, len(m.composes))
	for name := range m.composes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := m.composes[name]
		if c.agg == AggCDF {
			_, pairs := c.lastSecond()
			fmt.Fprintf(&b, "%s_80 : %.2f\n", name, pairs[cdfIdx80][1])
			fmt.Fprintf(&b, "%s_90 : %.2f\n", name, pairs[cdfIdx90][1])
			fmt.Fprintf(&b, "%s_99 : %.2f\n", name, pairs[cdfIdx99][1])
			fmt.Fprintf(&b, "%s_999 : %.2f\n", name, pairs[cdfIdx999][1])
			fmt.Fprintf(&b, "%s_9999 : %.2f\n", name, pairs[cdfIdx9999][1])
			continue
		}
		v, _ := c.lastSecond()
		fmt.Fprintf(&b, "%s : %.2f\n", name, v)
	}
	return b.String()
}
