package app

import "math"

const (
	defaultMinAmplitude = 0.0
	defaultMaxAmplitude = 40.0

	// bins per amplitude unit
	binsPerUnit = 4

	// For 20 samples:
	// - 5% percentile  = 1 sample
	// - 95% percentile = 19th sample
	minimumSampleCount = 20

	minimumRange = 1.0
)

// AmplitudeBounds represents the amplitude range mapped onto the color scale
type AmplitudeBounds struct {
	Min  float64 // 5th percentile amplitude
	Max  float64 // 95th percentile amplitude
	Mean float64
}

func defaultAmplitudeBounds() AmplitudeBounds {
	return AmplitudeBounds{
		Min:  defaultMinAmplitude,
		Max:  defaultMaxAmplitude,
		Mean: (defaultMinAmplitude + defaultMaxAmplitude) / 2,
	}
}

// AmplitudeHistogram maintains a histogram of amplitudes with 1/binsPerUnit
// wide bins
type AmplitudeHistogram struct {
	bins       map[int]uint32
	totalCount uint64
	sum        float64
	minBin     int
	maxBin     int
}

// NewAmplitudeHistogram creates a new histogram
func NewAmplitudeHistogram() *AmplitudeHistogram {
	return &AmplitudeHistogram{
		bins:   make(map[int]uint32),
		minBin: math.MaxInt32,
		maxBin: math.MinInt32,
	}
}

func getBinIndex(amplitude float64) int {
	return int(math.Floor(amplitude * binsPerUnit))
}

func binValue(bin int) float64 {
	return float64(bin) / binsPerUnit
}

// scaleDown halves all bin counts
func (h *AmplitudeHistogram) scaleDown() {
	h.minBin = math.MaxInt32
	h.maxBin = math.MinInt32

	for bin := range h.bins {
		h.bins[bin] /= 2
		if h.bins[bin] == 0 {
			delete(h.bins, bin)
			continue
		}

		h.minBin = min(h.minBin, bin)
		h.maxBin = max(h.maxBin, bin)
	}
	h.sum /= 2
	h.totalCount /= 2
}

// Update adds an amplitude to the histogram
func (h *AmplitudeHistogram) Update(amplitude *float64) {
	if amplitude == nil || math.IsNaN(*amplitude) {
		return
	}

	bin := getBinIndex(*amplitude)

	if h.bins[bin] == math.MaxUint32 || h.totalCount == math.MaxUint64 {
		h.scaleDown()
	}

	h.bins[bin]++
	h.totalCount++
	h.sum += *amplitude

	h.minBin = min(h.minBin, bin)
	h.maxBin = max(h.maxBin, bin)
}

// Count returns the number of amplitudes in the histogram
func (h *AmplitudeHistogram) Count() uint64 {
	return h.totalCount
}

// Clear resets the histogram
func (h *AmplitudeHistogram) Clear() {
	h.bins = make(map[int]uint32)
	h.totalCount = 0
	h.sum = 0
	h.minBin = math.MaxInt32
	h.maxBin = math.MinInt32
}

// PercentileBounds returns the 5th to 95th percentile range with a 10%
// margin. Small samples fall back to the default range.
func (h *AmplitudeHistogram) PercentileBounds() AmplitudeBounds {
	if h.totalCount < minimumSampleCount {
		return defaultAmplitudeBounds()
	}

	target := h.totalCount * 5 / 100

	var count uint64
	var low, high int

	for bin := h.minBin; bin <= h.maxBin; bin++ {
		count += uint64(h.bins[bin])
		if count >= target {
			low = bin
			break
		}
	}

	count = 0
	for bin := h.maxBin; bin >= h.minBin; bin-- {
		count += uint64(h.bins[bin])
		if count >= target {
			high = bin
			break
		}
	}

	minAmplitude := binValue(low)
	maxAmplitude := binValue(high + 1)

	if maxAmplitude-minAmplitude < minimumRange {
		center := (maxAmplitude + minAmplitude) / 2
		minAmplitude = center - minimumRange/2
		maxAmplitude = center + minimumRange/2
	}

	margin := (maxAmplitude - minAmplitude) / 10

	return AmplitudeBounds{
		Min:  minAmplitude - margin,
		Max:  maxAmplitude + margin,
		Mean: h.sum / float64(h.totalCount),
	}
}
