package simulator

import "math"

// Metrics tracks collision counters and the mechanical observables of the run
type Metrics struct {
	Timestamp float64 `json:"timestamp"` // Virtual time

	// Cumulative counters
	Collisions       int `json:"collisions"`       // Total collisions resolved
	FloorCollisions  int `json:"floorCollisions"`  // Particle-floor collisions
	PistonCollisions int `json:"pistonCollisions"` // Particle-piston collisions

	// Energy (refreshed on snapshot, not per step)
	KineticEnergy   float64 `json:"kineticEnergy"`   // Particles + piston
	PotentialEnergy float64 `json:"potentialEnergy"` // m*g*h summed over particles + piston
	TotalEnergy     float64 `json:"totalEnergy"`     // Kinetic + potential
	InitialEnergy   float64 `json:"initialEnergy"`   // Total energy at t=0
	EnergyDrift     float64 `json:"energyDrift"`     // |total - initial| / initial

	// Piston trajectory
	PistonPosition     float64 `json:"pistonPosition"`
	PistonVelocity     float64 `json:"pistonVelocity"`
	MeanPistonPosition float64 `json:"meanPistonPosition"` // Time-averaged height
	MinPistonPosition  float64 `json:"minPistonPosition"`  // Lowest height seen at a collision
	MaxPistonPosition  float64 `json:"maxPistonPosition"`  // Highest height seen at a collision

	// Pressure on the floor
	FloorImpulse   float64 `json:"floorImpulse"`   // Sum of 2*m*|v| over floor bounces
	MeanFloorForce float64 `json:"meanFloorForce"` // FloorImpulse / elapsed virtual time

	pistonPositionIntegral float64 // integral of piston height over virtual time
}

// NewMetrics creates a new metrics tracker for a piston starting at pistonX0
func NewMetrics(pistonX0 float64) *Metrics {
	return &Metrics{
		PistonPosition:     pistonX0,
		MeanPistonPosition: pistonX0,
		MinPistonPosition:  pistonX0,
		MaxPistonPosition:  pistonX0,
	}
}

// advance accumulates the time integral of the piston height over an interval
// dt starting from (x, v), using the exact parabolic trajectory.
func (m *Metrics) advance(x, v, g, dt float64) {
	m.pistonPositionIntegral += x*dt + v*dt*dt/2 - g*dt*dt*dt/6
}

// recordCollision updates the counters for one resolved collision
func (m *Metrics) recordCollision(ev CollisionEvent, particleMass float64) {
	m.Collisions++
	switch ev.Type {
	case EventTypeFloor:
		m.FloorCollisions++
		m.FloorImpulse += 2 * particleMass * math.Abs(ev.VelocityBefore)
	case EventTypePiston:
		m.PistonCollisions++
	}
	m.MinPistonPosition = math.Min(m.MinPistonPosition, ev.PistonPosition)
	m.MaxPistonPosition = math.Max(m.MaxPistonPosition, ev.PistonPosition)
}

// refresh recomputes the O(n) observables from the current state
func (m *Metrics) refresh(s *Simulator) {
	m.Timestamp = s.virtualTime
	m.PistonPosition = s.piston.Position
	m.PistonVelocity = s.piston.Velocity

	m.KineticEnergy, m.PotentialEnergy = s.energy()
	m.TotalEnergy = m.KineticEnergy + m.PotentialEnergy
	if m.InitialEnergy != 0 {
		m.EnergyDrift = math.Abs(m.TotalEnergy-m.InitialEnergy) / math.Abs(m.InitialEnergy)
	}

	if s.virtualTime > 0 {
		m.MeanPistonPosition = m.pistonPositionIntegral / s.virtualTime
		m.MeanFloorForce = m.FloorImpulse / s.virtualTime
	} else {
		m.MeanPistonPosition = s.piston.Position
		m.MeanFloorForce = 0
	}
}

// Clone returns a copy of the metrics
func (m *Metrics) Clone() *Metrics {
	clone := *m
	return &clone
}
