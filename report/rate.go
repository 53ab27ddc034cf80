package report

import (
	"time"
)

// Trend symbols shown next to an output's throughput.
const (
	TrendUp   = "↑"
	TrendDown = "↓"
	TrendFlat = "-"
)

// DefaultRateWindow bounds the samples kept per output.
const DefaultRateWindow = 100

// Rate is the throughput of one output over the last sampling interval.
type Rate struct {
	// Delta is the size increase normalised to one sampling interval.
	Delta float64
	// Mean is the running mean of the previous deltas.
	Mean  float64
	Trend string
}

type sizeSample struct {
	at   time.Time
	size int
}

// RateHistory keeps a bounded window of (time, cumulative size) samples per
// output and derives throughput and trend from it.
type RateHistory struct {
	interval time.Duration
	window   int
	samples  map[string][]sizeSample
	deltas   map[string][]float64
}

// NewRateHistory creates a history normalising deltas to interval.
func NewRateHistory(interval time.Duration, window int) *RateHistory {
	if window <= 1 {
		window = DefaultRateWindow
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RateHistory{
		interval: interval,
		window:   window,
		samples:  map[string][]sizeSample{},
		deltas:   map[string][]float64{},
	}
}

// Observe records the cumulative size of output at t and returns its rate.
// The first observation of an output has a flat trend.
func (h *RateHistory) Observe(output string, t time.Time, size int) Rate {
	prev := h.samples[output]
	h.samples[output] = trim(append(prev, sizeSample{at: t, size: size}), h.window)
	if len(prev) == 0 {
		return Rate{Trend: TrendFlat}
	}

	last := prev[len(prev)-1]
	delta := float64(size - last.size)
	if dt := t.Sub(last.at); dt > 0 {
		delta = delta * float64(h.interval) / float64(dt)
	}

	history := h.deltas[output]
	r := Rate{Delta: delta, Trend: TrendFlat}
	if len(history) > 0 {
		sum := 0.0
		for _, d := range history {
			sum += d
		}
		r.Mean = sum / float64(len(history))
		r.Trend = Trend(delta, r.Mean)
	}
	h.deltas[output] = trim(append(history, delta), h.window)
	return r
}

// Trend is ↑ iff delta > mean·1.1, ↓ iff delta < mean·0.9, else -.
func Trend(delta, mean float64) string {
	switch {
	case delta > mean*1.1:
		return TrendUp
	case delta < mean*0.9:
		return TrendDown
	default:
		return TrendFlat
	}
}

func trim[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append(s[:0:0], s[len(s)-n:]...)
}
