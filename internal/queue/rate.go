package queue

import (
	"math"
	"time"
)

const (
	DefaultRateMinutes = 15
	DefaultRateFloor   = 5
	DefaultRateCeiling = 45
	DefaultSampleSize  = 10
)

// RateEstimator relearns a doctor's consultation rate (minutes per visit)
// from completed-visit durations. Update returns the new rate given the
// current one, the duration of the visit that just finished, and the most
// recent completed durations (newest first, latest included). Durations under
// one minute are clock noise and leave the rate unchanged.
type RateEstimator interface {
	Update(current int, latest time.Duration, recent []time.Duration) int
}

// Smoothing keeps 70% of the learned rate and folds in 30% of the newest
// observation, rounded up and clamped to [Floor, Ceiling].
type Smoothing struct {
	Floor   int
	Ceiling int
}

func (s Smoothing) Update(current int, latest time.Duration, _ []time.Duration) int {
	if latest < time.Minute {
		return current
	}
	next := int(math.Ceil(float64(current)*0.7 + latest.Minutes()*0.3))
	return clampRate(next, s.Floor, s.Ceiling)
}

// RollingAverage averages the recent completed durations instead of smoothing.
// The store supplies the window (typically the last 10 completed visits).
type RollingAverage struct {
	Floor   int
	Ceiling int
}

func (a RollingAverage) Update(current int, latest time.Duration, recent []time.Duration) int {
	if latest < time.Minute {
		return current
	}
	if len(recent) == 0 {
		recent = []time.Duration{latest}
	}
	total := 0.0
	count := 0
	for _, d := range recent {
		if d < time.Minute {
			continue
		}
		total += d.Minutes()
		count++
	}
	if count == 0 {
		return current
	}
	return clampRate(int(total/float64(count)), a.Floor, a.Ceiling)
}

const (
	StrategySmoothing = "smoothing"
	StrategyAverage   = "average"
)

// NewEstimator picks the configured strategy, defaulting to smoothing.
func NewEstimator(strategy string, floor, ceiling int) RateEstimator {
	if floor <= 0 {
		floor = DefaultRateFloor
	}
	if ceiling < floor {
		ceiling = DefaultRateCeiling
	}
	if strategy == StrategyAverage {
		return RollingAverage{Floor: floor, Ceiling: ceiling}
	}
	return Smoothing{Floor: floor, Ceiling: ceiling}
}

func clampRate(value, floor, ceiling int) int {
	if value < floor {
		return floor
	}
	if value > ceiling {
		return ceiling
	}
	return value
}
