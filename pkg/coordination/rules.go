package coordination

import (
	"fmt"
	"time"

	"github.com/syntor/fleetcore/pkg/models"
)

// ConditionKind names the built-in rule conditions
type ConditionKind string

const (
	ConditionProximityAlert    ConditionKind = "proximity_alert"
	ConditionBatteryLow        ConditionKind = "battery_low"
	ConditionCommunicationLoss ConditionKind = "communication_loss"
	ConditionWeather           ConditionKind = "weather_condition"
	ConditionCustom            ConditionKind = "custom"
)

// Condition is a tagged variant; only the fields relevant to Kind are read.
type Condition struct {
	Kind ConditionKind `yaml:"kind" json:"kind"`
	// Distance in meters for proximity_alert.
	Distance float64 `yaml:"distance,omitempty" json:"distance,omitempty"`
	// Threshold in [0,1] for battery_low.
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	// Timeout for communication_loss.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Tag selects the weather evaluator.
	Tag string `yaml:"tag,omitempty" json:"tag,omitempty"`
	// Name selects the custom evaluator.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// ActionKind names the coordination actions
type ActionKind string

const (
	ActionChangeSpeed    ActionKind = "change_speed"
	ActionChangeAltitude ActionKind = "change_altitude"
	ActionReturnToBase   ActionKind = "return_to_base"
	ActionLandImmediate  ActionKind = "land_immediate"
	ActionFormFormation  ActionKind = "form_formation"
	ActionSendAlert      ActionKind = "send_alert"
	ActionCustom         ActionKind = "custom"
)

// Action is what a triggered rule asks the fleet to do
type Action struct {
	Kind          ActionKind `yaml:"kind" json:"kind"`
	Factor        float64    `yaml:"factor,omitempty" json:"factor,omitempty"`
	AltitudeDelta float64    `yaml:"altitude_delta,omitempty" json:"altitude_delta,omitempty"`
	Formation     string     `yaml:"formation,omitempty" json:"formation,omitempty"`
	Message       string     `yaml:"message,omitempty" json:"message,omitempty"`
	// Name selects the custom action handler.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Rule is a fleet-wide reactive rule. Lower Priority is more urgent.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Priority  int       `yaml:"priority" json:"priority"`
	Condition Condition `yaml:"condition" json:"condition"`
	Action    Action    `yaml:"action" json:"action"`
	Enabled   bool      `yaml:"enabled" json:"enabled"`
}

// Validate checks the rule's condition and action parameters
func (r Rule) Validate() error {
	if r.ID == "" {
		return &models.ValidationError{Field: "id", Message: "rule ID is required"}
	}

	c := r.Condition
	switch c.Kind {
	case ConditionProximityAlert:
		if c.Distance <= 0 {
			return fmt.Errorf("rule %s: proximity distance must be positive: %w", r.ID, models.ErrInvalidRuleCondition)
		}
	case ConditionBatteryLow:
		if c.Threshold <= 0 || c.Threshold > 1 {
			return fmt.Errorf("rule %s: battery threshold must be within (0,1]: %w", r.ID, models.ErrInvalidRuleCondition)
		}
	case ConditionCommunicationLoss:
		if c.Timeout <= 0 {
			return fmt.Errorf("rule %s: communication timeout must be positive: %w", r.ID, models.ErrInvalidRuleCondition)
		}
	case ConditionWeather:
		if c.Tag == "" {
			return fmt.Errorf("rule %s: weather condition needs a tag: %w", r.ID, models.ErrInvalidRuleCondition)
		}
	case ConditionCustom:
		if c.Name == "" {
			return fmt.Errorf("rule %s: custom condition needs a name: %w", r.ID, models.ErrInvalidRuleCondition)
		}
	default:
		return fmt.Errorf("rule %s: unknown condition %q: %w", r.ID, c.Kind, models.ErrInvalidRuleCondition)
	}

	switch r.Action.Kind {
	case ActionChangeSpeed, ActionChangeAltitude, ActionReturnToBase, ActionLandImmediate,
		ActionFormFormation, ActionSendAlert:
	case ActionCustom:
		if r.Action.Name == "" {
			return &models.ValidationError{Field: "action.name", Message: fmt.Sprintf("rule %s: custom action needs a name", r.ID)}
		}
	default:
		return &models.ValidationError{Field: "action.kind", Message: fmt.Sprintf("rule %s: unknown action %q", r.ID, r.Action.Kind)}
	}
	return nil
}

// DefaultRules is the stock rule table
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "critical-battery-land",
			Name:      "Critical battery landing",
			Priority:  0,
			Condition: Condition{Kind: ConditionBatteryLow, Threshold: 0.1},
			Action:    Action{Kind: ActionLandImmediate},
			Enabled:   true,
		},
		{
			ID:        "low-battery-return",
			Name:      "Low battery return",
			Priority:  1,
			Condition: Condition{Kind: ConditionBatteryLow, Threshold: 0.2},
			Action:    Action{Kind: ActionReturnToBase},
			Enabled:   true,
		},
		{
			ID:        "proximity-separation",
			Name:      "Proximity separation",
			Priority:  2,
			Condition: Condition{Kind: ConditionProximityAlert, Distance: 10},
			Action:    Action{Kind: ActionChangeAltitude, AltitudeDelta: 10},
			Enabled:   true,
		},
		{
			ID:        "comm-loss-return",
			Name:      "Communication loss return",
			Priority:  3,
			Condition: Condition{Kind: ConditionCommunicationLoss, Timeout: 30 * time.Second},
			Action:    Action{Kind: ActionReturnToBase},
			Enabled:   true,
		},
	}
}
