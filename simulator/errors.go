package simulator

import (
	"fmt"
	"strings"
)

// SimError is a custom error type for simulation errors
type SimError struct {
	Message string
}

func (e SimError) Error() string {
	return fmt.Sprintf("simulation error: %s", e.Message)
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(msg string) error {
	return SimError{Message: fmt.Sprintf("invalid config: %s", msg)}
}

// ConsistencyError reports a violated engine invariant: an oracle produced a
// non-positive time where a positive one was required, or event selection
// found a zero-length step. The run cannot continue past one of these.
type ConsistencyError struct {
	Reason         string
	Step           int
	VirtualTime    float64
	Particle       int // -1 when the failure is not tied to one particle
	Position       float64
	Velocity       float64
	PistonPosition float64
	PistonVelocity float64
	ComputedTime   float64
}

func (e *ConsistencyError) Error() string {
	if e.Particle < 0 {
		return fmt.Sprintf("consistency failure at step %d (t=%.9gs): %s (computed=%g)",
			e.Step, e.VirtualTime, e.Reason, e.ComputedTime)
	}
	return fmt.Sprintf("consistency failure at step %d (t=%.9gs): %s (particle=%d, computed=%g)",
		e.Step, e.VirtualTime, e.Reason, e.Particle, e.ComputedTime)
}

// Dump renders the offending state for diagnostics.
func (e *ConsistencyError) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "BUG: %s\n", e.Reason)
	fmt.Fprintf(&b, "  step:            %d\n", e.Step)
	fmt.Fprintf(&b, "  virtual time:    %.17g\n", e.VirtualTime)
	if e.Particle >= 0 {
		fmt.Fprintf(&b, "  particle:        %d\n", e.Particle)
		fmt.Fprintf(&b, "  position:        %.17g\n", e.Position)
		fmt.Fprintf(&b, "  velocity:        %.17g\n", e.Velocity)
	}
	fmt.Fprintf(&b, "  piston position: %.17g\n", e.PistonPosition)
	fmt.Fprintf(&b, "  piston velocity: %.17g\n", e.PistonVelocity)
	fmt.Fprintf(&b, "  computed time:   %.17g\n", e.ComputedTime)
	return b.String()
}
