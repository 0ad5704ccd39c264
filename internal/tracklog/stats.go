package tracklog

import (
	"sort"
	"time"

	"homefence/internal/model"
)

// Summary describes a track.
type Summary struct {
	Count       int
	From        time.Time
	To          time.Time
	DistanceM   float64
	MaxStepM    float64
	AvgSpeedMps float64
}

// Summarize computes statistics for points at or after since, in time order.
func Summarize(points []Point, since time.Time) Summary {
	filtered := make([]Point, 0, len(points))
	for _, p := range points {
		if !p.Time.Before(since) {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return Summary{Count: 0}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Time.Before(filtered[j].Time) })

	s := Summary{
		Count: len(filtered),
		From:  filtered[0].Time,
		To:    filtered[len(filtered)-1].Time,
	}
	for i := 1; i < len(filtered); i++ {
		step := model.Haversine(filtered[i-1].Location, filtered[i].Location)
		s.DistanceM += step
		if step > s.MaxStepM {
			s.MaxStepM = step
		}
	}
	if span := s.To.Sub(s.From).Seconds(); span > 0 {
		s.AvgSpeedMps = s.DistanceM / span
	}
	return s
}
