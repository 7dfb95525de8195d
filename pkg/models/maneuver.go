package models

import "time"

// ManeuverKind names the avoidance maneuver variants
type ManeuverKind string

const (
	ManeuverAltitudeChange      ManeuverKind = "altitude_change"
	ManeuverHorizontalDeviation ManeuverKind = "horizontal_deviation"
	ManeuverSpeedReduction      ManeuverKind = "speed_reduction"
	ManeuverEmergencyStop       ManeuverKind = "emergency_stop"
	ManeuverReturnToBase        ManeuverKind = "return_to_base"
	ManeuverHover               ManeuverKind = "hover"
)

// ManeuverSpec is a maneuver kind with its parameters. Only the fields
// relevant to Kind are read.
type ManeuverSpec struct {
	Kind ManeuverKind `json:"kind" yaml:"kind"`
	// AltitudeDelta in meters for altitude_change.
	AltitudeDelta float64 `json:"altitude_delta,omitempty" yaml:"altitude_delta,omitempty"`
	// Angle in degrees relative to current heading for horizontal_deviation.
	Angle float64 `json:"angle,omitempty" yaml:"angle,omitempty"`
	// Distance in meters for horizontal_deviation.
	Distance float64 `json:"distance,omitempty" yaml:"distance,omitempty"`
	// Factor in (0,1] for speed_reduction.
	Factor float64 `json:"factor,omitempty" yaml:"factor,omitempty"`
}

// Valid reports whether the kind is known and its parameters are usable
func (s ManeuverSpec) Valid() bool {
	switch s.Kind {
	case ManeuverAltitudeChange:
		return s.AltitudeDelta != 0
	case ManeuverHorizontalDeviation:
		return s.Distance > 0
	case ManeuverSpeedReduction:
		return s.Factor > 0 && s.Factor <= 1
	case ManeuverEmergencyStop, ManeuverReturnToBase, ManeuverHover:
		return true
	default:
		return false
	}
}

// AvoidanceManeuver is a planned corrective action attached to an at-risk agent
type AvoidanceManeuver struct {
	Spec      ManeuverSpec  `json:"spec"`
	RuleID    string        `json:"rule_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Target    *Position     `json:"target,omitempty"`
	Priority  int           `json:"priority"`
	Reason    string        `json:"reason"`
}
