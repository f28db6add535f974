package simulator

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// sequenceSource replays fixed draws so tests can place particles exactly
type sequenceSource struct {
	draws []float64
	calls int
}

func (s *sequenceSource) Float64() float64 {
	v := s.draws[s.calls%len(s.draws)]
	s.calls++
	return v
}

func newSeededSimulator(t *testing.T, n int, maxTime float64, seed int64) *Simulator {
	t.Helper()
	config := DefaultConfig()
	config.NumParticles = n
	config.MaxTime = maxTime
	config.RandomSeed = seed
	sim, err := NewSimulator(config)
	require.NoError(t, err)
	return sim
}

// Given: one particle at rest at 0.5, piston at rest at 1.0
// When: the first step runs
// Then: the particle hits the floor after sqrt(2*0.5/g); the piston falls in
// lockstep and is never approached
func TestSimulator_FirstEventIsFloorCollision(t *testing.T) {
	config := DefaultConfig()
	config.MaxTime = 1.0

	sim, err := NewSimulatorFromState(config,
		[]Particle{{Position: 0.5, Velocity: 0}},
		Piston{Position: 1.0, Velocity: 0})
	require.NoError(t, err)

	floorTime, pistonTime := sim.CachedTimes(0)
	require.True(t, math.IsInf(pistonTime, 1), "particle and piston fall together and never converge")

	expectedDt := math.Sqrt(2 * 0.5 / config.Gravity)
	require.InDelta(t, expectedDt, floorTime, 1e-15)

	ev, err := sim.Step()
	require.NoError(t, err)
	require.Equal(t, EventTypeFloor, ev.Type)
	require.Equal(t, 0, ev.Particle)
	require.Equal(t, 1, ev.Step)
	require.InDelta(t, expectedDt, ev.Dt, 1e-15)
	require.InDelta(t, expectedDt, sim.VirtualTime(), 1e-15)

	// Velocity at impact is -g*dt and is reflected exactly
	require.InDelta(t, -config.Gravity*expectedDt, ev.VelocityBefore, 1e-12)
	require.Equal(t, -ev.VelocityBefore, ev.VelocityAfter)
	require.Equal(t, 0.0, sim.Particle(0).Position, "floor contact is snapped to exactly 0")

	// The piston dropped by the same 0.5
	require.InDelta(t, 0.5, sim.Piston().Position, 1e-12)
}

// Given: the bounced particle from the scenario above
// When: the second step runs
// Then: it meets the falling piston before returning to the floor, the
// collision conserves momentum, and the residual contact is not re-triggered
func TestSimulator_SecondEventIsPistonCollision(t *testing.T) {
	config := DefaultConfig()
	config.MaxTime = 1.0

	sim, err := NewSimulatorFromState(config,
		[]Particle{{Position: 0.5, Velocity: 0}},
		Piston{Position: 1.0, Velocity: 0})
	require.NoError(t, err)

	first, err := sim.Step()
	require.NoError(t, err)

	// Closing speed is 2*g*dt1 over a gap of 0.5
	expectedDt := 0.5 / (2 * first.VelocityAfter)

	ev, err := sim.Step()
	require.NoError(t, err)
	require.Equal(t, EventTypePiston, ev.Type)
	require.InDelta(t, expectedDt, ev.Dt, 1e-12)
	require.Equal(t, sim.Piston().Position, sim.Particle(0).Position, "contact is snapped to the piston")

	m, M := config.ParticleMass, config.PistonMass
	before := m*ev.VelocityBefore + M*ev.PistonVelocityBefore
	after := m*ev.VelocityAfter + M*ev.PistonVelocityAfter
	require.InDelta(t, before, after, 1e-12)
	require.Greater(t, ev.PistonVelocityAfter, ev.PistonVelocityBefore, "piston is kicked upwards")

	_, pistonTime := sim.CachedTimes(0)
	require.True(t, math.IsInf(pistonTime, 1), "zero-time contact must be cached as +Inf, got %v", pistonTime)
	require.NoError(t, sim.VerifyCaches(1e-9))
}

// Cached countdowns must agree with a from-scratch recomputation after
// every step, and every particle must stay between floor and piston.
func TestSimulator_CachesMatchRecomputationEveryStep(t *testing.T) {
	sim := newSeededSimulator(t, 50, 1000, 42)

	for step := 0; step < 3000; step++ {
		_, err := sim.Step()
		require.NoError(t, err, "step %d", step)
		require.NoError(t, sim.VerifyCaches(1e-6), "step %d", step)
		require.NoError(t, sim.CheckInvariants(1e-9), "step %d", step)
	}
}

func TestSimulator_TimeIsMonotonicAndCountsOnePerStep(t *testing.T) {
	sim := newSeededSimulator(t, 20, 1000, 7)

	prevTime := sim.VirtualTime()
	for step := 1; step <= 2000; step++ {
		ev, err := sim.Step()
		require.NoError(t, err)
		require.Greater(t, sim.VirtualTime(), prevTime, "each step must strictly advance time")
		require.Equal(t, step, sim.CollisionCount())
		require.Equal(t, step, ev.Step)
		require.Equal(t, sim.VirtualTime(), ev.Time)
		prevTime = sim.VirtualTime()
	}
}

func TestSimulator_RunTerminatesAtBudget(t *testing.T) {
	sim := newSeededSimulator(t, 30, 2.0, 11)

	res, err := sim.Run(context.Background())
	require.NoError(t, err)
	require.True(t, sim.Done())
	require.GreaterOrEqual(t, res.VirtualTime, 2.0)
	require.Greater(t, res.Collisions, 0)
	require.Equal(t, res.Collisions, res.FloorCollisions+res.PistonCollisions)
	require.Greater(t, res.PistonCollisions, 0, "a gas this hot must reach the piston")
	require.Equal(t, res.WallClock.Seconds(), res.WallClockSeconds)
	require.NoError(t, sim.CheckInvariants(1e-9))
}

// Gravity is conservative and every collision is elastic, so total
// mechanical energy must survive a whole run.
func TestSimulator_ConservesTotalEnergy(t *testing.T) {
	sim := newSeededSimulator(t, 25, 5.0, 3)

	initial := sim.Metrics().TotalEnergy
	_, err := sim.Run(context.Background())
	require.NoError(t, err)

	m := sim.Metrics()
	require.InEpsilon(t, initial, m.TotalEnergy, 1e-6)
	require.Less(t, m.EnergyDrift, 1e-6)
	require.Equal(t, initial, m.InitialEnergy)
}

// Impulse delivered to the floor balances the weight of gas plus piston
// up to the (bounded) change in total momentum.
func TestSimulator_MeanFloorForceBalancesWeight(t *testing.T) {
	sim := newSeededSimulator(t, 20, 50.0, 5)
	_, err := sim.Run(context.Background())
	require.NoError(t, err)

	config := sim.Config()
	weight := (float64(config.NumParticles)*config.ParticleMass + config.PistonMass) * config.Gravity
	m := sim.Metrics()
	require.InEpsilon(t, weight, m.MeanFloorForce, 0.05)
	require.Greater(t, m.MaxPistonPosition, m.MinPistonPosition)
	require.GreaterOrEqual(t, m.MeanPistonPosition, m.MinPistonPosition)
	require.LessOrEqual(t, m.MeanPistonPosition, m.MaxPistonPosition)
}

func TestSimulator_InitializationUsesOneDrawPerParticle(t *testing.T) {
	config := DefaultConfig()
	config.NumParticles = 4
	src := &sequenceSource{draws: []float64{0.1, 0.5, 0.9, 0.0}}

	sim, err := NewSimulatorWithSource(config, src)
	require.NoError(t, err)
	require.Equal(t, 4, src.calls)

	speed := config.InitialParticleSpeed()
	for i, draw := range src.draws {
		p := sim.Particle(i)
		require.Equal(t, config.PistonInitialPosition*draw, p.Position)
		require.Equal(t, speed, p.Velocity)
	}

	// Equipartition-style scaling: gas kinetic energy equals piston potential energy
	gasKE := float64(config.NumParticles) * 0.5 * config.ParticleMass * speed * speed
	require.InEpsilon(t, config.PistonMass*config.Gravity*config.PistonInitialPosition, gasKE, 1e-12)
}

// Given: two particles with identical state
// When: the first particle bounces
// Then: the second one's countdown hits exactly zero, which is a fatal
// consistency failure that sticks
func TestSimulator_ZeroStepIsFatal(t *testing.T) {
	config := DefaultConfig()
	sim, err := NewSimulatorFromState(config,
		[]Particle{{Position: 0.3}, {Position: 0.3}},
		Piston{Position: 1.0})
	require.NoError(t, err)

	var logged []string
	sim.LogEvent = func(msg string) { logged = append(logged, msg) }

	ev, err := sim.Step()
	require.NoError(t, err)
	require.Equal(t, 0, ev.Particle, "ties go to the lowest index")

	_, err = sim.Step()
	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce), "expected ConsistencyError, got %v", err)
	require.Equal(t, 1, ce.Particle)
	require.Equal(t, 0.0, ce.ComputedTime)
	require.Equal(t, 2, ce.Step)
	require.Contains(t, ce.Dump(), "BUG:")
	require.Equal(t, 1, sim.CollisionCount(), "failed step must not count")

	_, again := sim.Step()
	require.Same(t, err, again, "failure is sticky")
	require.Equal(t, err, sim.Failure())
	require.Len(t, logged, 1)
	require.True(t, strings.Contains(logged[0], "ABORTED"))
}

func TestSimulator_FloorWinsTieWithPiston(t *testing.T) {
	sim, err := NewSimulatorFromState(DefaultConfig(),
		[]Particle{{Position: 0.5, Velocity: 0}},
		Piston{Position: 1.0})
	require.NoError(t, err)

	// Force equal countdowns for the same particle
	sim.timeToPiston[0] = sim.timeToFloor[0]
	dt, j, kind := sim.nextEvent()
	require.Equal(t, sim.timeToFloor[0], dt)
	require.Equal(t, 0, j)
	require.Equal(t, EventTypeFloor, kind)
}

func TestSimulator_InvalidationRules(t *testing.T) {
	floor := invalidationRules[EventTypeFloor]
	require.True(t, floor.ownFloor)
	require.True(t, floor.ownPiston)
	require.False(t, floor.allPiston, "a floor bounce leaves the piston trajectory alone")

	piston := invalidationRules[EventTypePiston]
	require.True(t, piston.ownFloor)
	require.True(t, piston.allPiston, "a piston hit changes every time to piston")
}

func TestSimulator_NewSimulatorFromStateRejectsInvalidStates(t *testing.T) {
	config := DefaultConfig()

	_, err := NewSimulatorFromState(config, nil, Piston{Position: 1})
	require.Error(t, err, "empty ensemble")

	_, err = NewSimulatorFromState(config, []Particle{{Position: 1.5}}, Piston{Position: 1})
	require.Error(t, err, "particle above piston")

	_, err = NewSimulatorFromState(config, []Particle{{Position: -0.1}}, Piston{Position: 1})
	require.Error(t, err, "particle below floor")

	_, err = NewSimulatorFromState(config, []Particle{{Position: 0, Velocity: -1}}, Piston{Position: 1})
	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce), "particle on the floor moving down has no future floor time")
	require.Equal(t, 0, ce.Particle)
}

func TestSimulator_RunHonoursCancellation(t *testing.T) {
	sim := newSeededSimulator(t, 10, 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := sim.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, res.Collisions)
	require.False(t, sim.Done())
}

func TestSimulator_StepUntil(t *testing.T) {
	sim := newSeededSimulator(t, 10, 100, 9)

	reached, err := sim.StepUntil(0.5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, reached, 0.5)

	reached2, err := sim.StepByDelta(0.25)
	require.NoError(t, err)
	require.GreaterOrEqual(t, reached2, reached+0.25)
}

func TestSimulator_ResetClearsState(t *testing.T) {
	sim := newSeededSimulator(t, 10, 100, 21)

	var logged []string
	sim.LogEvent = func(msg string) { logged = append(logged, msg) }

	_, err := sim.StepUntil(1.0)
	require.NoError(t, err)
	require.Greater(t, sim.CollisionCount(), 0)

	require.NoError(t, sim.Reset())
	require.Equal(t, 0.0, sim.VirtualTime(), "virtual time should reset to 0")
	require.Equal(t, 0, sim.CollisionCount())
	require.Equal(t, 0, sim.Metrics().Collisions)
	require.Equal(t, sim.Config().PistonInitialPosition, sim.Piston().Position)
	require.NotNil(t, sim.LogEvent, "callbacks survive a reset")
	require.Len(t, logged, 1)
	require.Contains(t, logged[0], "[INIT]")
}

func TestSimulator_UpdateConfig(t *testing.T) {
	sim := newSeededSimulator(t, 10, 100, 4)

	bad := sim.Config()
	bad.NumParticles = 0
	require.Error(t, sim.UpdateConfig(bad))
	require.Equal(t, 10, sim.NumParticles(), "invalid config must not be applied")

	good := sim.Config()
	good.NumParticles = 25
	require.NoError(t, sim.UpdateConfig(good))
	require.Equal(t, 25, sim.NumParticles())
	require.Equal(t, 25, len(sim.State().Particles))
}

func TestSimulator_OnCollisionSeesEveryEvent(t *testing.T) {
	sim := newSeededSimulator(t, 5, 1.0, 8)

	var seen []CollisionEvent
	sim.OnCollision = func(ev CollisionEvent) { seen = append(seen, ev) }

	res, err := sim.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, res.Collisions)
	for i, ev := range seen {
		require.Equal(t, i+1, ev.Step)
	}
}
