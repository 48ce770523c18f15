package monitor

import (
	"math"
	"sort"
)

// AggType selects how values reported under one metric name are folded into
// each one-second bucket.
type AggType int

const (
	AggAvg AggType = iota
	AggMax
	AggMin
	AggInc
	AggCDF
)

func (t AggType) String() string {
	switch t {
	case AggAvg:
		return "avg"
	case AggMax:
		return "max"
	case AggMin:
		return "min"
	case AggInc:
		return "inc"
	case AggCDF:
		return "cdf"
	default:
		return "unknown"
	}
}

type timeUnit int

const (
	unitSecond timeUnit = iota
	unitMinute
	unitHour
	unitDay
)

// cdfPercentIndex labels the returned percentile pairs. 100 and 101 are the
// dashboard's encodings of P99.9 and P99.99.
var cdfPercentIndex = []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100, 101}

// Positions of the P80/P90/P99/P99.9/P99.99 pairs inside a cdf read.
const (
	cdfIdx80   = 7
	cdfIdx90   = 8
	cdfIdx99   = 17
	cdfIdx999  = 18
	cdfIdx9999 = 19
)

// history is one fixed-size ring of buckets at a single granularity. The last
// slot is the in-progress bucket; rolling shifts everything left by one.
//
// Value representation varies by aggregation:
//   - avg at second granularity keeps (sum, count) pairs so concurrent reports
//     within one second average exactly;
//   - cdf keeps every raw sample of the bucket;
//   - everything else keeps a single scalar per bucket.
type history struct {
	unit  timeUnit
	agg   AggType
	lastN int // trailing window folded into each returned point

	vals  []float64    // scalar buckets
	pairs [][2]float64 // avg-second buckets: sum, count
	cdf   [][]float64  // cdf buckets: raw samples

	defaultVal float64
}

func newHistory(unit timeUnit, agg AggType) *history {
	h := &history{unit: unit, agg: agg, lastN: 1}

	num := 61 + h.lastN
	switch unit {
	case unitMinute:
		num = 60
	case unitHour:
		num = 24
	case unitDay:
		num = 30
	}

	switch {
	case agg == AggCDF:
		h.cdf = make([][]float64, h.lastN+1)
	case agg == AggAvg && unit == unitSecond:
		h.pairs = make([][2]float64, num)
	default:
		if agg == AggMin {
			h.defaultVal = math.MaxFloat64
		}
		h.vals = make([]float64, num)
		for i := range h.vals {
			h.vals[i] = h.defaultVal
		}
	}
	return h
}

// roll discards the oldest bucket and opens a fresh one.
func (h *history) roll() {
	switch {
	case h.cdf != nil:
		copy(h.cdf, h.cdf[1:])
		h.cdf[len(h.cdf)-1] = nil
	case h.pairs != nil:
		copy(h.pairs, h.pairs[1:])
		h.pairs[len(h.pairs)-1] = [2]float64{}
	default:
		copy(h.vals, h.vals[1:])
		h.vals[len(h.vals)-1] = h.defaultVal
	}
}

// put folds one reported value into the in-progress bucket. Only second-level
// histories receive raw values.
func (h *history) put(v float64) {
	switch h.agg {
	case AggAvg:
		h.pairs[len(h.pairs)-1][0] += v
		h.pairs[len(h.pairs)-1][1]++
	case AggCDF:
		i := len(h.cdf) - 1
		h.cdf[i] = append(h.cdf[i], v)
	case AggMax:
		if v > h.vals[len(h.vals)-1] {
			h.vals[len(h.vals)-1] = v
		}
	case AggMin:
		if v < h.vals[len(h.vals)-1] {
			h.vals[len(h.vals)-1] = v
		}
	case AggInc:
		h.vals[len(h.vals)-1] += v
	}
}

// mergeScalars rolls fine-grained buckets up into the in-progress bucket of
// this coarser history, as their mean. Default-valued (empty) buckets count
// toward the divisor but not the sum, matching the trend dashboard semantics.
func (h *history) mergeScalars(fine []float64, fineDefault float64) {
	if len(fine) == 0 {
		return
	}
	var sum float64
	for _, v := range fine {
		if v != fineDefault {
			sum += v
		}
	}
	h.vals[len(h.vals)-1] = sum / float64(len(fine))
}

// mergePairs is mergeScalars for avg (sum, count) second buckets.
func (h *history) mergePairs(fine [][2]float64) {
	if len(fine) == 0 {
		return
	}
	var sum float64
	for _, p := range fine {
		if p[1] != 0 {
			sum += p[0] / p[1]
		}
	}
	h.vals[len(h.vals)-1] = sum / float64(len(fine))
}

// read returns the settled buckets as trend points. The in-progress bucket is
// excluded at second granularity; coarser histories are returned whole. Each
// second-level point is the aggregate of the trailing lastN settled buckets.
func (h *history) read() []float64 {
	if h.unit != unitSecond {
		if h.agg == AggMin {
			out := make([]float64, len(h.vals))
			for i, v := range h.vals {
				if v != h.defaultVal {
					out[i] = v
				}
			}
			return out
		}
		out := make([]float64, len(h.vals))
		copy(out, h.vals)
		return out
	}

	switch h.agg {
	case AggAvg:
		settled := h.pairs[:len(h.pairs)-1]
		out := make([]float64, 0, len(settled)-h.lastN)
		for i := h.lastN; i < len(settled); i++ {
			var sum, count float64
			for _, p := range settled[i-h.lastN : i] {
				sum += p[0]
				count += p[1]
			}
			if count == 0 {
				out = append(out, 0)
			} else {
				out = append(out, sum/count)
			}
		}
		return out
	case AggMax:
		return h.windowed(func(win []float64) float64 {
			m := win[0]
			for _, v := range win[1:] {
				if v > m {
					m = v
				}
			}
			return m
		})
	case AggMin:
		return h.windowed(func(win []float64) float64 {
			m := win[0]
			for _, v := range win[1:] {
				if v < m {
					m = v
				}
			}
			return m
		})
	case AggInc:
		return h.windowed(func(win []float64) float64 {
			var sum float64
			for _, v := range win {
				sum += v
			}
			return sum / float64(len(win))
		})
	default:
		settled := h.vals[:len(h.vals)-1]
		out := make([]float64, len(settled))
		copy(out, settled)
		return out
	}
}

func (h *history) windowed(fold func([]float64) float64) []float64 {
	settled := h.vals[:len(h.vals)-1]
	out := make([]float64, 0, len(settled)-h.lastN)
	for i := h.lastN; i < len(settled); i++ {
		out = append(out, fold(settled[i-h.lastN:i]))
	}
	return out
}

// readCDF computes the percentile pairs over every settled sample.
func (h *history) readCDF() [][2]float64 {
	var samples []float64
	for _, bucket := range h.cdf[:len(h.cdf)-1] {
		samples = append(samples, bucket...)
	}
	out := make([][2]float64, 0, len(cdfPercentIndex))
	if len(samples) == 0 {
		for _, p := range cdfPercentIndex {
			out = append(out, [2]float64{float64(p), 0})
		}
		return out
	}
	sort.Float64s(samples)
	n := len(samples)
	for _, p := range cdfPercentIndex {
		var idx int
		switch p {
		case 100:
			idx = int(float64(n)*99.9/100) - 1
		case 101:
			idx = int(float64(n)*99.99/100) - 1
		default:
			idx = n*p/100 - 1
		}
		if idx < 0 {
			idx = 0
		}
		if idx > n-1 {
			idx = n - 1
		}
		out = append(out, [2]float64{float64(p), samples[idx]})
	}
	return out
}
