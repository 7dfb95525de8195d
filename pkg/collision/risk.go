package collision

import (
	"github.com/syntor/fleetcore/pkg/geo"
	"github.com/syntor/fleetcore/pkg/models"
	"github.com/syntor/fleetcore/pkg/registry"
)

// ClassifyDistance maps a 3D separation onto a risk band. Every band is a
// strict upper bound.
func (c Config) ClassifyDistance(distance float64) models.RiskLevel {
	switch {
	case distance < c.CriticalDistance:
		return models.RiskCritical
	case distance < c.HighDistance:
		return models.RiskHigh
	case distance < c.MediumDistance:
		return models.RiskMedium
	case distance < c.LowDistance:
		return models.RiskLow
	default:
		return models.RiskNone
	}
}

// trajectoriesConflict reports whether the two predicted paths come closer
// than minSeparation at the same time step.
func trajectoriesConflict(a, b []models.Position, minSeparation float64) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if geo.Distance3D(a[i], b[i]) < minSeparation {
			return true
		}
	}
	return false
}

// AssessPair classifies the risk between two agents
func (c Config) AssessPair(a, b registry.AgentState) PairRisk {
	distance := geo.Distance3D(a.Position, b.Position)
	risk := c.ClassifyDistance(distance)

	conflict := false
	if risk < models.RiskHigh {
		conflict = trajectoriesConflict(a.Trajectory, b.Trajectory, c.MinSeparation)
		if conflict {
			risk = models.RiskHigh
		}
	}

	return PairRisk{
		AgentA:             a.ID,
		AgentB:             b.ID,
		Distance:           distance,
		Risk:               risk,
		TrajectoryConflict: conflict,
	}
}
