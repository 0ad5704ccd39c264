package model

import (
	"fmt"
	"math"
	"time"
)

// EarthRadiusMeters is the sphere radius used for haversine distances.
const EarthRadiusMeters = 6371000

// Location is an immutable position fix.
type Location struct {
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Bearing *float64 `json:"bearing,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
}

// NewLocation returns a location without bearing or speed.
func NewLocation(lat, lng float64) Location {
	return Location{Lat: lat, Lng: lng}
}

// WithBearing returns a copy of l carrying bearing (degrees).
func (l Location) WithBearing(bearing float64) Location {
	l.Bearing = &bearing
	return l
}

// WithSpeed returns a copy of l carrying speed (m/s).
func (l Location) WithSpeed(speed float64) Location {
	l.Speed = &speed
	return l
}

// Valid reports whether the coordinates are within range.
func (l Location) Valid() error {
	if math.IsNaN(l.Lat) || l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("lat out of range: %v", l.Lat)
	}
	if math.IsNaN(l.Lng) || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("lng out of range: %v", l.Lng)
	}
	return nil
}

func (l Location) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", l.Lat, l.Lng)
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Location) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Fence is a named circle around the home location.
type Fence struct {
	Name   string  `json:"name"`
	Radius float64 `json:"radius"` // meters
}

// Transition is the direction of a fence crossing.
type Transition string

const (
	Enter Transition = "ENTER"
	Exit  Transition = "EXIT"
)

// Directive is the pacing information decoded from a server reply.
type Directive struct {
	Home     Location
	HasHome  bool
	Fences   []Fence
	Interval time.Duration // zero when absent
	Distance float64       // meters, zero when absent
	Due      time.Time     // zero when absent
}

// Pin identifies a controlled channel on the server.
type Pin string

const (
	PinCH Pin = "CH"
	PinHW Pin = "HW"
)

// PinState is the requested state of a pin.
type PinState int

const (
	StateOff PinState = iota
	StateOn
	StateBoost
)

func (s PinState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	case StateBoost:
		return "boost"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParsePinState accepts off/on/boost or 0/1/2.
func ParsePinState(value string) (PinState, error) {
	switch value {
	case "off", "0":
		return StateOff, nil
	case "on", "1":
		return StateOn, nil
	case "boost", "2":
		return StateBoost, nil
	}
	return 0, fmt.Errorf("unknown pin state %q", value)
}

// BoostRequest asks the server to force a pin into a state. It is consumed by exactly one POST.
type BoostRequest struct {
	Pin   Pin
	State PinState
}

// Valid checks the pin and state.
func (r BoostRequest) Valid() error {
	if r.Pin != PinCH && r.Pin != PinHW {
		return fmt.Errorf("unknown pin %q", r.Pin)
	}
	if r.State < StateOff || r.State > StateBoost {
		return fmt.Errorf("unknown pin state %d", int(r.State))
	}
	return nil
}
