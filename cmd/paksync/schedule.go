package main

import "time"

// minPassInterval is the shortest gap between two timed passes.
const minPassInterval = time.Second

// passSchedule spaces timed watch-mode passes around interval, spread by up
// to jitter times interval either way.
type passSchedule struct {
	interval time.Duration
	jitter   float64
	sample   func() float64
}

func newPassSchedule(interval time.Duration, jitter float64, sample func() float64) passSchedule {
	switch {
	case jitter < 0:
		jitter = 0
	case jitter > 1:
		jitter = 1
	}
	return passSchedule{interval: interval, jitter: jitter, sample: sample}
}

func (s passSchedule) next() time.Duration {
	return s.delay(s.sample())
}

// delay maps a sample in [0, 1] linearly onto the jitter range.
func (s passSchedule) delay(sample float64) time.Duration {
	if s.interval <= 0 {
		return minPassInterval
	}
	sample = min(max(sample, 0), 1)
	d := time.Duration(float64(s.interval) * (1 + (2*sample-1)*s.jitter))
	return max(d, minPassInterval)
}
