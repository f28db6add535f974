package simulator

import (
	"encoding/json"
	"fmt"
)

// EventType represents the kind of collision resolved in a step
type EventType int

const (
	EventTypeFloor EventType = iota
	EventTypePiston
)

func (et EventType) String() string {
	switch et {
	case EventTypeFloor:
		return "floor"
	case EventTypePiston:
		return "piston"
	default:
		return "unknown"
	}
}

// ParseEventType parses a string into EventType
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "floor":
		return EventTypeFloor, nil
	case "piston":
		return EventTypePiston, nil
	default:
		return EventTypeFloor, fmt.Errorf("invalid event type: %s (must be 'floor' or 'piston')", s)
	}
}

// MarshalJSON implements json.Marshaler for EventType
func (et EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(et.String())
}

// UnmarshalJSON implements json.Unmarshaler for EventType
func (et *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}

// CollisionEvent describes one resolved collision.
type CollisionEvent struct {
	Step     int       `json:"step"`     // 1-based collision number
	Time     float64   `json:"time"`     // Virtual time of the collision
	Dt       float64   `json:"dt"`       // Time elapsed since the previous collision
	Type     EventType `json:"type"`     // Floor or piston
	Particle int       `json:"particle"` // Index of the colliding particle

	Position       float64 `json:"position"`       // Particle height at contact
	VelocityBefore float64 `json:"velocityBefore"` // Particle velocity just before contact
	VelocityAfter  float64 `json:"velocityAfter"`  // Particle velocity just after contact

	PistonPosition       float64 `json:"pistonPosition"`
	PistonVelocityBefore float64 `json:"pistonVelocityBefore"`
	PistonVelocityAfter  float64 `json:"pistonVelocityAfter"`
}

func (e CollisionEvent) String() string {
	switch e.Type {
	case EventTypeFloor:
		return fmt.Sprintf("Floor(t=%.6fs, p=%d, v=%.4f->%.4f)",
			e.Time, e.Particle, e.VelocityBefore, e.VelocityAfter)
	case EventTypePiston:
		return fmt.Sprintf("Piston(t=%.6fs, p=%d, x=%.4f, v=%.4f->%.4f, V=%.4f->%.4f)",
			e.Time, e.Particle, e.Position, e.VelocityBefore, e.VelocityAfter,
			e.PistonVelocityBefore, e.PistonVelocityAfter)
	default:
		return fmt.Sprintf("Unknown(t=%.6fs)", e.Time)
	}
}

// invalidation lists which cached countdowns a collision makes stale.
// Anything not listed stays valid after being decremented by dt.
type invalidation struct {
	ownFloor  bool // colliding particle's time to floor
	ownPiston bool // colliding particle's time to piston
	allPiston bool // every particle's time to piston
}

// invalidationRules: a floor bounce only changes the bouncing particle's
// trajectory; a piston hit also changes the piston's, which every
// time-to-piston depends on.
var invalidationRules = map[EventType]invalidation{
	EventTypeFloor:  {ownFloor: true, ownPiston: true},
	EventTypePiston: {ownFloor: true, ownPiston: true, allPiston: true},
}
