package simulator

import (
	"fmt"
	"math"
)

// CheckInvariants verifies 0 <= position[i] <= piston position for every
// particle, allowing tol of floating-point slack on either side.
func (s *Simulator) CheckInvariants(tol float64) error {
	for i, x := range s.positions {
		if x < -tol || x > s.piston.Position+tol {
			return fmt.Errorf("particle %d at %.17g is outside [0, %.17g] at t=%.9gs",
				i, x, s.piston.Position, s.virtualTime)
		}
	}
	return nil
}

// VerifyCaches recomputes every particle's event times from scratch and
// compares them with the incrementally maintained countdowns. Finite values
// must agree within tol relative to max(1, |fresh|); infinite values must
// match exactly.
func (s *Simulator) VerifyCaches(tol float64) error {
	for i := range s.positions {
		freshFloor, err := TimeToFloor(s.positions[i], s.velocities[i], s.config.Gravity)
		if err != nil {
			return fmt.Errorf("particle %d: %w", i, err)
		}
		if !closeEnough(s.timeToFloor[i], freshFloor, tol) {
			return fmt.Errorf("particle %d: cached time to floor %.17g, recomputed %.17g",
				i, s.timeToFloor[i], freshFloor)
		}

		freshPiston, err := TimeToPiston(s.positions[i], s.velocities[i], s.piston.Position, s.piston.Velocity)
		if err != nil {
			return fmt.Errorf("particle %d: %w", i, err)
		}
		if !closeEnough(s.timeToPiston[i], freshPiston, tol) {
			return fmt.Errorf("particle %d: cached time to piston %.17g, recomputed %.17g",
				i, s.timeToPiston[i], freshPiston)
		}
	}
	return nil
}

func closeEnough(cached, fresh, tol float64) bool {
	if math.IsInf(cached, 0) || math.IsInf(fresh, 0) {
		return cached == fresh
	}
	return math.Abs(cached-fresh) <= tol*math.Max(1, math.Abs(fresh))
}
