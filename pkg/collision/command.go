package collision

import (
	"time"

	"github.com/syntor/fleetcore/pkg/models"
	"github.com/syntor/fleetcore/pkg/registry"
)

// buildCommand translates a planned maneuver into the command sent to the agent
func buildCommand(state registry.AgentState, m models.AvoidanceManeuver, issued time.Time) AvoidanceCommand {
	cmd := AvoidanceCommand{
		AgentID:  state.ID,
		Urgency:  UrgencyFor(state.Risk),
		Duration: m.Duration,
		Target:   m.Target,
		Reason:   m.Reason,
		IssuedAt: issued,
	}

	switch m.Spec.Kind {
	case models.ManeuverAltitudeChange:
		cmd.Kind = CommandChangeAltitude
		if m.Target != nil {
			cmd.TargetAltitude = m.Target.Alt
		} else {
			cmd.TargetAltitude = state.Position.Alt + m.Spec.AltitudeDelta
		}
	case models.ManeuverHorizontalDeviation:
		cmd.Kind = CommandHorizontalManeuver
		cmd.HeadingDelta = m.Spec.Angle
		cmd.Distance = m.Spec.Distance
	case models.ManeuverSpeedReduction:
		cmd.Kind = CommandChangeSpeed
		cmd.SpeedFactor = m.Spec.Factor
	case models.ManeuverEmergencyStop:
		cmd.Kind = CommandEmergencyStop
		cmd.Urgency = UrgencyEmergency
	case models.ManeuverReturnToBase:
		cmd.Kind = CommandReturnToBase
	default:
		cmd.Kind = CommandHover
	}
	return cmd
}
