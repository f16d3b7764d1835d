// Package geo decides whether a reported coordinate lies inside the hub
// geofence.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// Warning codes attached to a Check result.
const (
	WarningLowAccuracy      = "low_accuracy"
	WarningGeofenceBypassed = "geofence_bypassed"
)

var ErrInvalidPoint = errors.New("invalid coordinate")

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate rejects NaN, infinite and out-of-range coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidPoint, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidPoint, p.Longitude)
	}
	return nil
}

// Hub is the fixed location attendance is measured against.
type Hub struct {
	Center       Point
	RadiusMeters float64
}

func (h Hub) Validate() error {
	if err := h.Center.Validate(); err != nil {
		return err
	}
	if !(h.RadiusMeters > 0) || math.IsInf(h.RadiusMeters, 0) {
		return fmt.Errorf("hub radius must be positive, got %v", h.RadiusMeters)
	}
	return nil
}

// DistanceMeters returns the haversine distance between a and b.
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Validator applies the hub geofence. Enforcement is fixed at construction:
// an unenforced validator still measures distance but lets every valid
// coordinate through with a warning.
type Validator struct {
	hub     Hub
	enforce bool
}

func NewValidator(hub Hub, enforce bool) (*Validator, error) {
	if err := hub.Validate(); err != nil {
		return nil, err
	}
	return &Validator{hub: hub, enforce: enforce}, nil
}

func (v *Validator) Hub() Hub {
	return v.hub
}

func (v *Validator) Enforced() bool {
	return v.enforce
}

func (v *Validator) DistanceMeters(a, b Point) float64 {
	return DistanceMeters(a, b)
}

// IsWithinHub reports whether p is no farther than the hub radius from the
// hub center. The boundary counts as inside.
func (v *Validator) IsWithinHub(p Point) bool {
	return DistanceMeters(p, v.hub.Center) <= v.hub.RadiusMeters
}

// Result describes one geofence decision.
type Result struct {
	DistanceMeters float64
	RadiusMeters   float64
	Within         bool
	Allowed        bool
	AccuracyMeters *float64
	Warnings       []string
}

// Check measures p against the hub. accuracyMeters is the device-reported
// horizontal accuracy; it only produces a warning and never changes Within.
func (v *Validator) Check(p Point, accuracyMeters *float64) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	distance := DistanceMeters(p, v.hub.Center)
	within := distance <= v.hub.RadiusMeters
	result := Result{
		DistanceMeters: distance,
		RadiusMeters:   v.hub.RadiusMeters,
		Within:         within,
		Allowed:        within || !v.enforce,
		AccuracyMeters: accuracyMeters,
	}
	if accuracyMeters != nil && *accuracyMeters > v.hub.RadiusMeters {
		result.Warnings = append(result.Warnings, WarningLowAccuracy)
	}
	if !within && !v.enforce {
		result.Warnings = append(result.Warnings, WarningGeofenceBypassed)
	}
	return result, nil
}
