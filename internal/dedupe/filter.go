// Package dedupe suppresses position reports that carry no new
// information: a device parked on a desk reports the same coordinates
// every few seconds, and recording each one only bloats the trail.
package dedupe

import (
	"math"
	"sync"
	"time"
)

// earthRadiusMeters is the mean Earth radius used by the haversine
// distance calculation.
const earthRadiusMeters = 6371000

// Defaults match the original bridge deployment: ignore fixes that
// moved less than 2 meters within the last minute.
const (
	DefaultDistanceMeters = 2.0
	DefaultWindow         = 60 * time.Second
)

type lastFix struct {
	lat, lon float64
	at       time.Time
}

// Filter is a per-device gate over position reports. It remembers the
// last accepted fix per device and suppresses a new report only when it
// is both closer than the distance threshold and younger than the time
// window — so a stationary device still surfaces a heartbeat record
// once per window. Memory is process-local and starts empty on every
// restart.
//
// Filter is safe for concurrent use; the mutex guards only map access,
// never I/O.
type Filter struct {
	distance float64
	window   time.Duration

	mu   sync.Mutex
	last map[string]lastFix
}

// New creates a filter. Non-positive arguments fall back to the
// defaults.
func New(distanceMeters float64, window time.Duration) *Filter {
	if distanceMeters <= 0 {
		distanceMeters = DefaultDistanceMeters
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Filter{
		distance: distanceMeters,
		window:   window,
		last:     make(map[string]lastFix),
	}
}

// ShouldSuppress reports whether a candidate fix is redundant with the
// last accepted fix for the device. The first report from a device is
// never suppressed.
func (f *Filter) ShouldSuppress(deviceID string, lat, lon float64, at time.Time) bool {
	f.mu.Lock()
	prev, ok := f.last[deviceID]
	f.mu.Unlock()
	if !ok {
		return false
	}

	if at.Sub(prev.at) >= f.window {
		return false
	}
	return Haversine(prev.lat, prev.lon, lat, lon) < f.distance
}

// Remember records an accepted fix. Call it only after the fix has been
// durably stored, so suppression decisions never reference a fix that
// was lost on the write path.
func (f *Filter) Remember(deviceID string, lat, lon float64, at time.Time) {
	f.mu.Lock()
	f.last[deviceID] = lastFix{lat: lat, lon: lon, at: at}
	f.mu.Unlock()
}

// Haversine returns the great-circle distance in meters between two
// coordinates given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
