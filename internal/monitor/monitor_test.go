package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestAvgSecondBucketsAverageExactly(t *testing.T) {
	c := newCompose(AggAvg)
	c.second.put(10)
	c.second.put(20)
	c.second.put(30)
	c.tick(1)

	v, _ := c.lastSecond()
	if v != 20 {
		t.Fatalf("avg of 10,20,30 = %v, want 20", v)
	}
}

func TestMaxMinIncAggregation(t *testing.T) {
	cases := []struct {
		agg  AggType
		vals []float64
		want float64
	}{
		{AggMax, []float64{3, 7, 5}, 7},
		{AggMin, []float64{3, 7, 5}, 3},
		{AggInc, []float64{3, 7, 5}, 15},
	}
	for _, tc := range cases {
		c := newCompose(tc.agg)
		for _, v := range tc.vals {
			c.second.put(v)
		}
		c.tick(1)
		got, _ := c.lastSecond()
		if got != tc.want {
			t.Errorf("%s(%v) = %v, want %v", tc.agg, tc.vals, got, tc.want)
		}
	}
}

func TestMinEmptyBucketReadsZero(t *testing.T) {
	c := newCompose(AggMin)
	c.tick(1)
	if v, _ := c.lastSecond(); v != 0 {
		t.Fatalf("empty min bucket = %v, want 0", v)
	}
}

func TestCDFPercentilesAreOrdered(t *testing.T) {
	c := newCompose(AggCDF)
	for i := 1; i <= 1000; i++ {
		c.second.put(float64(i))
	}
	c.tick(1)

	_, pairs := c.lastSecond()
	if len(pairs) != len(cdfPercentIndex) {
		t.Fatalf("got %d pairs, want %d", len(pairs), len(cdfPercentIndex))
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i][1] < pairs[i-1][1] {
			t.Fatalf("cdf not monotonic at %v: %v < %v", pairs[i][0], pairs[i][1], pairs[i-1][1])
		}
	}
	// With samples 1..1000, Pxx lands on sample xx*10.
	if got := pairs[cdfIdx90][1]; got != 900 {
		t.Errorf("P90 = %v, want 900", got)
	}
	if got := pairs[cdfIdx99][1]; got != 990 {
		t.Errorf("P99 = %v, want 990", got)
	}
	if got := pairs[cdfIdx999][1]; got != 999 {
		t.Errorf("P99.9 = %v, want 999", got)
	}
}

func TestCDFEmptyReadsZeros(t *testing.T) {
	c := newCompose(AggCDF)
	c.tick(1)
	_, pairs := c.lastSecond()
	for _, p := range pairs {
		if p[1] != 0 {
			t.Fatalf("empty cdf percentile %v = %v, want 0", p[0], p[1])
		}
	}
}

func TestTrendSeriesLength(t *testing.T) {
	c := newCompose(AggAvg)
	c.second.put(5)
	c.tick(1)

	s := c.read()
	if s.Label != "trend" {
		t.Fatalf("label = %q, want trend", s.Label)
	}
	// day(30) + hour(24) + minute(60) + second(60) points.
	if len(s.Data) != 30+24+60+60 {
		t.Fatalf("trend has %d points, want %d", len(s.Data), 30+24+60+60)
	}
	for i, p := range s.Data {
		if int(p[0]) != i {
			t.Fatalf("point %d carries index %v", i, p[0])
		}
	}
	if last := s.Data[len(s.Data)-1][1]; last != 5 {
		t.Fatalf("newest settled second = %v, want 5", last)
	}
}

func TestMinuteRollupIsMeanOfSeconds(t *testing.T) {
	c := newCompose(AggInc)
	// One report of 60 in a single second, then a full minute of ticks.
	c.second.put(60)
	for i := int64(1); i <= 60; i++ {
		c.tick(i)
	}
	s := c.read()
	// Minute points occupy indexes [54, 114); the newest is 113.
	minuteNewest := s.Data[30+24+60-1][1]
	if minuteNewest != 1 {
		t.Fatalf("minute rollup = %v, want 1 (mean of 60 over 60 settled seconds)", minuteNewest)
	}
}

func TestMonitorRejectsAggTypeChange(t *testing.T) {
	m := New(clock.NewMock(), t.TempDir())
	m.absorb(piece{name: "x", value: 1, agg: AggAvg})
	m.absorb(piece{name: "x", value: 2, agg: AggMax})

	m.tickAll()
	s, ok := m.Read("x")
	if !ok {
		t.Fatal("metric x not registered")
	}
	if s.Label != "trend" {
		t.Fatalf("label = %q", s.Label)
	}
	if last := s.Data[len(s.Data)-1][1]; last != 1 {
		t.Fatalf("mismatched-agg report was absorbed: last second = %v, want 1", last)
	}
}

func TestDumpFormat(t *testing.T) {
	m := New(clock.NewMock(), t.TempDir())
	m.absorb(piece{name: "*qps", value: 4, agg: AggInc})
	m.absorb(piece{name: "*latency_cdf(ms)", value: 12.5, agg: AggCDF})
	m.tickAll()

	out := m.dump()
	if !strings.Contains(out, "*qps : 4.00\n") {
		t.Errorf("dump missing qps line:\n%s", out)
	}
	for _, suffix := range []string{"_80", "_90", "_99", "_999", "_9999"} {
		if !strings.Contains(out, "*latency_cdf(ms)"+suffix+" : 12.50\n") {
			t.Errorf("dump missing cdf%s line:\n%s", suffix, out)
		}
	}
}

func TestMonitorLifecycle(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	m := New(clk, dir)
	m.Start()

	m.Inc(MetricQPS, 1)
	// The aggregation goroutine absorbs from the queue independently of the
	// mock clock; wait for the name to register.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Read(MetricQPS); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("metric never absorbed")
		}
		time.Sleep(time.Millisecond)
	}

	clk.Add(time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, MonitorLogName)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor dump file not written")
		}
		time.Sleep(time.Millisecond)
	}
	m.Stop()
}
