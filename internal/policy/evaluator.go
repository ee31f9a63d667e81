// Package policy evaluates device compliance reports against the
// configured security policy.
//
// Evaluation is pure: it takes the observation from a report plus the
// configured geofence and returns a verdict. It never reads or writes
// the registry, so the same inputs always produce the same result.
package policy

import (
	"fmt"
	"math"
	"strings"

	"github.com/Constyk20/secureguard-backend/internal/device"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000

// Location is a reported GPS position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geofence is a circular boundary devices must stay within.
type Geofence struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// Contains reports whether the location falls within the geofence.
func (g Geofence) Contains(loc Location) bool {
	return g.Distance(loc) <= g.RadiusMeters
}

// Distance returns the great-circle distance in meters from the
// geofence centre to the location, using the haversine formula.
func (g Geofence) Distance(loc Location) float64 {
	return haversine(g.Latitude, g.Longitude, loc.Latitude, loc.Longitude)
}

// Observation is the policy-relevant content of a compliance report.
type Observation struct {
	// Location is the reported position, nil when the report omitted one.
	Location *Location

	// Violations are the client-detected violations (developer mode,
	// rooted device, and so on). Any entry forces non-compliance.
	Violations []string

	// LastGeofence is the device's geofence status from its last
	// located report. Carried forward when Location is nil.
	LastGeofence device.GeofenceStatus
}

// Result is the outcome of a policy evaluation.
type Result struct {
	// Compliant is false if any violation is present or the device is
	// outside the geofence.
	Compliant bool

	// Geofence is the evaluated geofence status.
	Geofence device.GeofenceStatus

	// Distance is the distance in meters from the geofence centre,
	// negative when no location was available.
	Distance float64

	// Violations is the full violation list for this evaluation,
	// including a geofence violation when applicable.
	Violations []string
}

// ViolationOutsideGeofence is appended to the violation list when a
// located report falls outside the boundary.
const ViolationOutsideGeofence = "outside_geofence"

// Evaluator evaluates observations against a fixed geofence.
type Evaluator struct {
	geofence Geofence
}

// NewEvaluator creates an evaluator for the given geofence.
func NewEvaluator(g Geofence) *Evaluator {
	return &Evaluator{geofence: g}
}

// Geofence returns the configured geofence.
func (e *Evaluator) Geofence() Geofence {
	return e.geofence
}

// Evaluate computes the compliance verdict for an observation.
//
// A report without a location carries the prior geofence status
// forward rather than assuming the device returned inside. Client
// violations are taken as-is; the server adds the geofence violation
// itself so the client cannot omit it.
func (e *Evaluator) Evaluate(obs Observation) Result {
	result := Result{
		Compliant:  true,
		Geofence:   obs.LastGeofence,
		Distance:   -1,
		Violations: append([]string{}, obs.Violations...),
	}
	if result.Geofence == "" {
		result.Geofence = device.GeofenceInside
	}

	if obs.Location != nil {
		result.Distance = e.geofence.Distance(*obs.Location)
		if result.Distance <= e.geofence.RadiusMeters {
			result.Geofence = device.GeofenceInside
		} else {
			result.Geofence = device.GeofenceOutside
		}
	}

	if result.Geofence == device.GeofenceOutside && !contains(result.Violations, ViolationOutsideGeofence) {
		result.Violations = append(result.Violations, ViolationOutsideGeofence)
	}

	if len(result.Violations) > 0 {
		result.Compliant = false
	}

	return result
}

// LockReason builds a human-readable reason string for an enforcement
// action triggered by this result.
func (r Result) LockReason() string {
	if r.Compliant {
		return ""
	}
	return fmt.Sprintf("policy violations: %s", strings.Join(r.Violations, ", "))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// haversine returns the great-circle distance in meters between two
// points given in decimal degrees.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
