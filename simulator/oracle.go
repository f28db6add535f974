package simulator

import "math"

// TimeToFloor returns the time until a particle at height x moving with
// velocity v reaches the floor under gravity g.
//
// Solves x + v*t - g*t^2/2 = 0 for the root (-b - sqrt(b^2-4ac)) / 2a with
// a = -g/2, b = v, c = x. For any particle at or above the floor this is the
// single positive root. A non-positive or non-finite result means the caller
// handed in an impossible state and is reported as a *ConsistencyError.
func TimeToFloor(x, v, g float64) (float64, error) {
	a := -0.5 * g
	b := v
	c := x

	t := descendingRoot(a, b, c)
	if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		return t, &ConsistencyError{
			Reason:       "time to floor is not positive",
			Particle:     -1,
			Position:     x,
			Velocity:     v,
			ComputedTime: t,
		}
	}
	return t, nil
}

// descendingRoot evaluates (-b - sqrt(b^2-4ac)) / 2a without the cancellation
// the textbook form suffers when b < 0 and 4ac is small.
func descendingRoot(a, b, c float64) float64 {
	disc := b*b - 4*a*c
	if disc < 0 {
		return math.NaN()
	}
	sq := math.Sqrt(disc)
	if b >= 0 {
		return -(b + sq) / (2 * a)
	}
	// q = -(b - sq)/2 and the wanted root is c/q.
	return 2 * c / (sq - b)
}

// TimeToPiston returns the time until a particle (x, v) meets the piston
// (pistonX, pistonV), or +Inf if they are not converging.
//
// Particle and piston fall with the same acceleration, so the g*t^2/2 terms
// cancel and the separation x - pistonX evolves linearly. An exact zero is the
// residual contact left by the collision that was just resolved and is
// reported as +Inf so the same contact is not triggered again.
func TimeToPiston(x, v, pistonX, pistonV float64) (float64, error) {
	dx := x - pistonX
	dv := v - pistonV
	if dv <= 0 {
		return math.Inf(1), nil
	}

	t := -dx / dv
	switch {
	case t == 0:
		return math.Inf(1), nil
	case math.IsNaN(t) || t < 0:
		return t, &ConsistencyError{
			Reason:         "particle is above the piston and approaching it",
			Particle:       -1,
			Position:       x,
			Velocity:       v,
			PistonPosition: pistonX,
			PistonVelocity: pistonV,
			ComputedTime:   t,
		}
	}
	return t, nil
}
