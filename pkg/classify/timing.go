package classify

import (
	"math"
	"sort"
	"time"
)

// TimingProfile summarizes the rolling response-time history of one source.
// Statistics are only populated once at least three samples exist.
type TimingProfile struct {
	SampleCount int           `json:"sample_count"`
	Mean        time.Duration `json:"mean"`
	Stddev      time.Duration `json:"stddev"`
	Median      time.Duration `json:"median"`
}

// timingHistory is the per-identity FIFO ring of recent samples.
type timingHistory struct {
	samples  []time.Duration
	max      int
	lastSeen time.Time
}

func newTimingHistory(max int) *timingHistory {
	if max <= 0 {
		max = 50
	}
	return &timingHistory{max: max}
}

// add appends a sample, truncating oldest-first at capacity.
func (h *timingHistory) add(d time.Duration, now time.Time) {
	h.samples = append(h.samples, d)
	if len(h.samples) > h.max {
		h.samples = h.samples[len(h.samples)-h.max:]
	}
	h.lastSeen = now
}

// profile computes mean/stddev/median. Returns nil below three samples:
// statistics over one or two points are noise, not evidence.
func (h *timingHistory) profile() *TimingProfile {
	n := len(h.samples)
	if n < 3 {
		return nil
	}

	var sum time.Duration
	for _, s := range h.samples {
		sum += s
	}
	mean := sum / time.Duration(n)

	var sqsum float64
	for _, s := range h.samples {
		diff := float64(s - mean)
		sqsum += diff * diff
	}
	stddev := time.Duration(math.Sqrt(sqsum / float64(n)))

	sorted := make([]time.Duration, n)
	copy(sorted, h.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return &TimingProfile{
		SampleCount: n,
		Mean:        mean,
		Stddev:      stddev,
		Median:      median,
	}
}
