package progress

import "time"

const trendSamples = 5

// sample is one (time, bytes) point inside the speed window.
type sample struct {
	at    time.Time
	bytes int64
}

// estimator computes windowed speed, a short-term trend, and a
// trend-adjusted ETA from byte observations.
type estimator struct {
	window  time.Duration
	samples []sample
	speeds  []float64 // ring of recent speed readings, newest last
}

func newEstimator(window time.Duration) *estimator {
	return &estimator{window: window}
}

// add records an observation and returns the current speed in bytes/sec.
// Speed is the byte delta over the time delta across the whole window,
// which smooths out bursty reads better than instantaneous deltas.
func (e *estimator) add(at time.Time, bytes int64) float64 {
	e.samples = append(e.samples, sample{at: at, bytes: bytes})
	cutoff := at.Add(-e.window)
	i := 0
	for i < len(e.samples)-1 && e.samples[i].at.Before(cutoff) {
		i++
	}
	e.samples = e.samples[i:]

	speed := e.speed()
	if speed > 0 {
		e.speeds = append(e.speeds, speed)
		if len(e.speeds) > trendSamples {
			e.speeds = e.speeds[len(e.speeds)-trendSamples:]
		}
	}
	return speed
}

func (e *estimator) speed() float64 {
	n := len(e.samples)
	if n < 2 {
		return 0
	}
	first, last := e.samples[0], e.samples[n-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	db := last.bytes - first.bytes
	if db <= 0 {
		return 0
	}
	return float64(db) / dt
}

// trend compares the newest speed reading against the buffer average
// with a 10% dead band so jitter reads as stable.
func (e *estimator) trend() Trend {
	if len(e.speeds) < 3 {
		return TrendUnknown
	}
	var sum float64
	for _, s := range e.speeds {
		sum += s
	}
	mean := sum / float64(len(e.speeds))
	if mean <= 0 {
		return TrendUnknown
	}
	newest := e.speeds[len(e.speeds)-1]
	switch {
	case newest > mean*1.10:
		return TrendIncreasing
	case newest < mean*0.90:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// eta projects time remaining using a trend-adjusted speed. The adjusted
// speed is clamped to [0.3x, 2x] of the measured speed so a noisy trend
// cannot produce absurd estimates. Returns -1 when no estimate exists.
func (e *estimator) eta(done, total int64) int64 {
	if total <= 0 {
		return -1
	}
	if done >= total {
		return 0
	}
	speed := e.speed()
	if speed <= 0 {
		return -1
	}

	adj := speed
	if len(e.speeds) >= 3 {
		var sum float64
		for _, s := range e.speeds {
			sum += s
		}
		mean := sum / float64(len(e.speeds))
		if mean > 0 {
			newest := e.speeds[len(e.speeds)-1]
			adj = speed * (newest / mean)
		}
	}
	if lo := speed * 0.3; adj < lo {
		adj = lo
	}
	if hi := speed * 2.0; adj > hi {
		adj = hi
	}

	secs := float64(total-done) / adj
	if secs < 0 {
		return 0
	}
	return int64(secs + 0.5)
}
