package tracker

import (
	"math"
	"time"

	"homefence/internal/model"
)

// SuppressDistance is the displacement, in meters, below which a sample is not reported once the
// home location is known.
const SuppressDistance = 20.0

// Clamp raises d to floor.
func Clamp(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

// Backoff is the wait after the n-th consecutive failure: base doubled per extra failure,
// capped at max, never below floor. n <= 1 waits base.
func Backoff(base, max, floor time.Duration, n int) time.Duration {
	wait := base
	for i := 1; i < n && wait < max; i++ {
		wait *= 2
	}
	if max > 0 && wait > max {
		wait = max
	}
	return Clamp(wait, floor)
}

// Pace turns a server directive into the wait before the next check. An interval wins over a
// distance; a distance is converted with the sample's speed; due is used only when neither is
// present. The result is clamped to floor.
func Pace(d model.Directive, sample model.Location, now time.Time, base, floor time.Duration) time.Duration {
	wait := base
	switch {
	case d.Interval > 0:
		wait = d.Interval
	case d.Distance > 0:
		if sample.Speed != nil && *sample.Speed > 0 {
			wait = seconds(d.Distance / *sample.Speed)
		}
	case !d.Due.IsZero():
		wait = d.Due.Sub(now)
	}
	return Clamp(wait, floor)
}

// ShouldReport applies the suppression rule: a sample is skipped only when it is within
// SuppressDistance of the last reported position and home is already known.
func ShouldReport(last *model.Location, sample model.Location, homeKnown bool) bool {
	if last == nil || !homeKnown {
		return true
	}
	return model.Haversine(*last, sample) >= SuppressDistance
}

// seconds converts to a Duration, saturating instead of overflowing.
func seconds(v float64) time.Duration {
	ns := v * float64(time.Second)
	if ns >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
