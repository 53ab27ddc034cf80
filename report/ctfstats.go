package report

import (
	"math"
	"time"

	"github.com/emfacilities/emfac/probe"
)

// Defocus histograms split into the first N-SplitTail and the last
// SplitTail values once SplitMin rows are available.
const (
	SplitTail = 50
	SplitMin  = 100
)

// Point is one (time, value) sample, serialised as [unix_ms, value].
type Point [2]float64

func point(t time.Time, v float64) Point {
	return Point{float64(t.UnixMilli()), v}
}

// Histogram is a fixed-width histogram. Counts[i] covers
// [Start+i·Width, Start+(i+1)·Width).
type Histogram struct {
	Start  float64 `json:"start"`
	Width  float64 `json:"width"`
	Counts []int   `json:"counts"`
}

// MaxBins bounds a histogram; a wider spread widens the bins instead.
const MaxBins = 1000

// NewHistogram bins values with the given width. The start is aligned to a
// multiple of width so histograms of subsets line up. When the values span
// more than MaxBins bins the width grows by a whole factor, so one outlier
// coarsens the histogram rather than inflating it. Non-finite values are
// not counted.
func NewHistogram(values []float64, width float64) Histogram {
	h := Histogram{Width: width}
	if width <= 0 || math.IsInf(width, 0) || math.IsNaN(width) {
		return h
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo > hi {
		return h
	}
	if bins := math.Floor((hi-math.Floor(lo/width)*width)/width) + 1; bins > MaxBins {
		h.Width = width * math.Ceil(bins/MaxBins)
	}
	h.Start = math.Floor(lo/h.Width) * h.Width
	n := int(math.Floor((hi-h.Start)/h.Width)) + 1
	h.Counts = make([]int, min(n, MaxBins))
	for _, v := range values {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		i := int(math.Floor((v - h.Start) / h.Width))
		if i >= len(h.Counts) {
			i = len(h.Counts) - 1
		}
		h.Counts[i]++
	}
	return h
}

// CTFData is the ctfData payload of the dashboard.
type CTFData struct {
	Count int `json:"count"`
	// Defocus is the histogram of every defocusU value in microns; First and
	// Last are set instead when the rows are split.
	Defocus    *Histogram `json:"defocus,omitempty"`
	First      *Histogram `json:"first,omitempty"`
	Last       *Histogram `json:"last,omitempty"`
	DefocusU   []Point    `json:"defocusU"`
	Resolution []Point    `json:"resolution"`
	PhaseShift []Point    `json:"phaseShift"`
	// Thumbs lists READY thumbnails and PENDING placeholders per item.
	Thumbs []ThumbLinks `json:"thumbs"`
}

// Microns converts Ångström to microns.
func Microns(angstrom float64) float64 { return angstrom / 1e4 }

// BuildCTFData computes the CTF statistics from rows in id order.
func BuildCTFData(rows []probe.Row, binWidth float64) CTFData {
	d := CTFData{
		Count:      len(rows),
		DefocusU:   make([]Point, 0, len(rows)),
		Resolution: make([]Point, 0, len(rows)),
		PhaseShift: make([]Point, 0, len(rows)),
	}
	defocus := make([]float64, 0, len(rows))
	for _, r := range rows {
		u := Microns(r.Value("defocus_u"))
		defocus = append(defocus, u)
		d.DefocusU = append(d.DefocusU, point(r.Timestamp, u))
		d.Resolution = append(d.Resolution, point(r.Timestamp, r.Value("resolution")))
		d.PhaseShift = append(d.PhaseShift, point(r.Timestamp, r.Value("phase_shift")))
	}

	if len(defocus) >= SplitMin {
		cut := len(defocus) - SplitTail
		first := NewHistogram(defocus[:cut], binWidth)
		last := NewHistogram(defocus[cut:], binWidth)
		d.First, d.Last = &first, &last
	} else {
		all := NewHistogram(defocus, binWidth)
		d.Defocus = &all
	}
	return d
}

// Series is a set of named time series, used for gain and system payloads.
type Series map[string][]Point

// BuildSeries turns rows into one series per column.
func BuildSeries(rows []probe.Row, columns ...string) Series {
	s := make(Series, len(columns))
	for _, c := range columns {
		s[c] = make([]Point, 0, len(rows))
	}
	for _, r := range rows {
		for _, c := range columns {
			s[c] = append(s[c], point(r.Timestamp, r.Value(c)))
		}
	}
	return s
}
