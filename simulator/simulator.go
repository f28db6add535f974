package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"
)

// Particle is the state of one gas particle
type Particle struct {
	Position float64 `json:"position"` // Height above the floor
	Velocity float64 `json:"velocity"` // Signed vertical velocity (positive = up)
}

// Piston is the state of the piston
type Piston struct {
	Position float64 `json:"position"`
	Velocity float64 `json:"velocity"`
}

// RandomSource supplies independent draws from Uniform(0,1). *rand.Rand
// satisfies it.
type RandomSource interface {
	Float64() float64
}

// ProgressReporter receives percent-complete notifications as virtual time
// advances through the budget. Percents are strictly increasing and capped
// at 100.
type ProgressReporter interface {
	Progress(percent int)
}

// RunResult summarises a finished (or interrupted) run
type RunResult struct {
	Collisions       int           `json:"collisions"`
	FloorCollisions  int           `json:"floorCollisions"`
	PistonCollisions int           `json:"pistonCollisions"`
	VirtualTime      float64       `json:"virtualTime"`
	WallClock        time.Duration `json:"-"`
	WallClockSeconds float64       `json:"wallClockSeconds"`
}

// Simulator is a PURE event-driven simulator with NO concurrency primitives.
// All state is owned by the step loop and mutated only through Step().
// Callers that share a Simulator across goroutines must serialise access.
type Simulator struct {
	config SimConfig

	// Particle ensemble, indexed by particle
	positions  []float64
	velocities []float64

	// Countdown caches relative to virtualTime. Decremented in lockstep with
	// the clock and recomputed per invalidationRules.
	timeToFloor  []float64
	timeToPiston []float64

	piston         Piston
	virtualTime    float64
	collisionCount int

	metrics     *Metrics
	failure     error // sticky: set by the first consistency failure
	progress    ProgressReporter
	lastPercent int
	logger      *log.Logger

	// Event logging callback (optional, for UI/debugging)
	LogEvent func(msg string)

	// OnCollision is called after every resolved collision (optional, for
	// tracing). It runs inside the step loop and must not call back into the
	// simulator.
	OnCollision func(ev CollisionEvent)
}

// NewSimulator creates a simulator whose particle heights are drawn from a
// math/rand source seeded with config.RandomSeed (0 = time-based seed)
func NewSimulator(config SimConfig) (*Simulator, error) {
	var rng *rand.Rand
	if config.RandomSeed == 0 {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	} else {
		rng = rand.New(rand.NewSource(config.RandomSeed))
	}
	return NewSimulatorWithSource(config, rng)
}

// NewSimulatorWithSource creates a simulator drawing exactly NumParticles
// values from src: particle i starts at PistonInitialPosition * draw(), moving
// up at the common InitialParticleSpeed.
func NewSimulatorWithSource(config SimConfig, src RandomSource) (*Simulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("random source must not be nil")
	}

	particles := make([]Particle, config.NumParticles)
	speed := config.InitialParticleSpeed()
	for i := range particles {
		particles[i] = Particle{
			Position: config.PistonInitialPosition * src.Float64(),
			Velocity: speed,
		}
	}
	piston := Piston{
		Position: config.PistonInitialPosition,
		Velocity: config.PistonInitialVelocity,
	}
	return newSimulator(config, particles, piston)
}

// NewSimulatorFromState creates a simulator from explicit initial conditions.
// config.NumParticles, PistonInitialPosition and PistonInitialVelocity are
// overwritten from the arguments.
func NewSimulatorFromState(config SimConfig, particles []Particle, piston Piston) (*Simulator, error) {
	config.NumParticles = len(particles)
	config.PistonInitialPosition = piston.Position
	config.PistonInitialVelocity = piston.Velocity
	if err := config.Validate(); err != nil {
		return nil, err
	}
	for i, p := range particles {
		if math.IsNaN(p.Position) || math.IsNaN(p.Velocity) || math.IsInf(p.Velocity, 0) {
			return nil, ErrInvalidConfig(fmt.Sprintf("particle %d has a non-finite state", i))
		}
		if p.Position < 0 || p.Position > piston.Position {
			return nil, ErrInvalidConfig(fmt.Sprintf(
				"particle %d at %g is outside [0, %g]", i, p.Position, piston.Position))
		}
	}
	return newSimulator(config, particles, piston)
}

func newSimulator(config SimConfig, particles []Particle, piston Piston) (*Simulator, error) {
	n := len(particles)
	s := &Simulator{
		config:       config,
		positions:    make([]float64, n),
		velocities:   make([]float64, n),
		timeToFloor:  make([]float64, n),
		timeToPiston: make([]float64, n),
		piston:       piston,
		metrics:      NewMetrics(piston.Position),
		logger:       log.New(io.Discard),
	}
	for i, p := range particles {
		s.positions[i] = p.Position
		s.velocities[i] = p.Velocity
	}

	for i := range particles {
		if err := s.recomputeFloorTime(i); err != nil {
			return nil, fmt.Errorf("initializing particle %d: %w", i, err)
		}
		if err := s.recomputePistonTime(i); err != nil {
			return nil, fmt.Errorf("initializing particle %d: %w", i, err)
		}
	}

	kinetic, potential := s.energy()
	s.metrics.InitialEnergy = kinetic + potential
	s.metrics.refresh(s)
	return s, nil
}

// Step resolves exactly one collision: it finds the earliest pending event,
// advances every body to it, applies the collision's physics to the
// triggering particle and repairs the countdown caches.
//
// A returned *ConsistencyError is fatal; every later call returns the same
// error.
func (s *Simulator) Step() (CollisionEvent, error) {
	if s.failure != nil {
		return CollisionEvent{}, s.failure
	}

	dt, j, kind := s.nextEvent()
	if j < 0 || !(dt > 0) || math.IsInf(dt, 1) {
		return CollisionEvent{}, s.fail(&ConsistencyError{
			Reason:       "next event is not strictly in the future",
			Particle:     j,
			ComputedTime: dt,
		}, j)
	}

	s.advance(dt)

	ev, err := s.resolve(j, kind, dt)
	if err != nil {
		return ev, s.fail(err, j)
	}

	s.collisionCount++
	s.metrics.recordCollision(ev, s.config.ParticleMass)
	s.reportProgress()
	if s.OnCollision != nil {
		s.OnCollision(ev)
	}
	return ev, nil
}

// nextEvent scans every particle for the earliest pending collision. Strict <
// keeps the first minimum found: lower index wins, and floor wins over piston
// for the same particle.
func (s *Simulator) nextEvent() (float64, int, EventType) {
	best := math.Inf(1)
	j := -1
	kind := EventTypeFloor
	for i := range s.positions {
		if s.timeToFloor[i] < best {
			best, j, kind = s.timeToFloor[i], i, EventTypeFloor
		}
		if s.timeToPiston[i] < best {
			best, j, kind = s.timeToPiston[i], i, EventTypePiston
		}
	}
	return best, j, kind
}

// advance moves every particle and the piston along its free-fall trajectory
// for dt and counts every cached event time down by dt.
func (s *Simulator) advance(dt float64) {
	g := s.config.Gravity
	drop := 0.5 * g * dt * dt
	dv := g * dt

	for i := range s.positions {
		s.positions[i] += s.velocities[i]*dt - drop
		s.velocities[i] -= dv
		s.timeToFloor[i] -= dt
		s.timeToPiston[i] -= dt
	}

	s.metrics.advance(s.piston.Position, s.piston.Velocity, g, dt)
	s.piston.Position += s.piston.Velocity*dt - drop
	s.piston.Velocity -= dv

	s.virtualTime += dt
}

// resolve applies the physics of the selected collision to particle j and
// recomputes the cached times the collision invalidated.
func (s *Simulator) resolve(j int, kind EventType, dt float64) (CollisionEvent, error) {
	ev := CollisionEvent{
		Step:                 s.collisionCount + 1,
		Time:                 s.virtualTime,
		Dt:                   dt,
		Type:                 kind,
		Particle:             j,
		VelocityBefore:       s.velocities[j],
		PistonVelocityBefore: s.piston.Velocity,
	}

	switch kind {
	case EventTypeFloor:
		s.positions[j] = 0
		s.velocities[j] = ReflectFloor(s.velocities[j])
	case EventTypePiston:
		s.positions[j] = s.piston.Position
		s.velocities[j], s.piston.Velocity = ElasticCollision(
			s.config.ParticleMass, s.velocities[j],
			s.config.PistonMass, s.piston.Velocity)
	}

	ev.Position = s.positions[j]
	ev.VelocityAfter = s.velocities[j]
	ev.PistonPosition = s.piston.Position
	ev.PistonVelocityAfter = s.piston.Velocity

	rule := invalidationRules[kind]
	if rule.ownFloor {
		if err := s.recomputeFloorTime(j); err != nil {
			return ev, err
		}
	}
	if rule.allPiston {
		for i := range s.positions {
			if err := s.recomputePistonTime(i); err != nil {
				return ev, err
			}
		}
	} else if rule.ownPiston {
		if err := s.recomputePistonTime(j); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (s *Simulator) recomputeFloorTime(i int) error {
	t, err := TimeToFloor(s.positions[i], s.velocities[i], s.config.Gravity)
	if err != nil {
		return withParticle(err, i)
	}
	s.timeToFloor[i] = t
	return nil
}

func (s *Simulator) recomputePistonTime(i int) error {
	t, err := TimeToPiston(s.positions[i], s.velocities[i], s.piston.Position, s.piston.Velocity)
	if err != nil {
		return withParticle(err, i)
	}
	s.timeToPiston[i] = t
	return nil
}

// withParticle tags a particle-agnostic ConsistencyError from the oracle
// with the index it was computed for.
func withParticle(err error, i int) error {
	var ce *ConsistencyError
	if errors.As(err, &ce) && ce.Particle < 0 {
		ce.Particle = i
	}
	return err
}

// fail records a fatal error, filling in the simulator context of a
// ConsistencyError, and makes it sticky.
func (s *Simulator) fail(err error, particle int) error {
	var ce *ConsistencyError
	if errors.As(err, &ce) {
		ce.Step = s.collisionCount + 1
		ce.VirtualTime = s.virtualTime
		ce.PistonPosition = s.piston.Position
		ce.PistonVelocity = s.piston.Velocity
		if ce.Particle < 0 {
			ce.Particle = particle
		}
		if ce.Particle >= 0 && ce.Particle < len(s.positions) {
			ce.Position = s.positions[ce.Particle]
			ce.Velocity = s.velocities[ce.Particle]
		}
	}
	s.failure = err
	s.logger.Error("simulation aborted", "step", s.collisionCount+1, "t", s.virtualTime, "err", err)
	s.logEvent("[t=%.6fs] ABORTED: %v", s.virtualTime, err)
	return err
}

func (s *Simulator) reportProgress() {
	if s.progress == nil {
		return
	}
	percent := int(100 * s.virtualTime / s.config.MaxTime)
	if percent > 100 {
		percent = 100
	}
	if percent > s.lastPercent {
		s.lastPercent = percent
		s.progress.Progress(percent)
	}
}

// Done reports whether the simulated time budget has been used up
func (s *Simulator) Done() bool {
	return s.virtualTime >= s.config.MaxTime
}

// Run steps until the time budget is exhausted, a consistency failure occurs
// or ctx is cancelled. ctx is checked every CancelCheckInterval collisions
// (never when the interval is 0). The last collision may overshoot MaxTime.
func (s *Simulator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	interval := s.config.CancelCheckInterval

	s.logger.Info("run starting",
		"particles", len(s.positions), "maxTime", s.config.MaxTime,
		"pistonPosition", s.piston.Position)

	for !s.Done() {
		if interval > 0 && s.collisionCount%interval == 0 {
			if err := ctx.Err(); err != nil {
				return s.result(start), fmt.Errorf("run interrupted at t=%.6fs: %w", s.virtualTime, err)
			}
		}
		if _, err := s.Step(); err != nil {
			return s.result(start), err
		}
	}

	res := s.result(start)
	s.logger.Info("run finished",
		"collisions", res.Collisions, "virtualTime", res.VirtualTime, "wallClock", res.WallClock)
	return res, nil
}

func (s *Simulator) result(start time.Time) *RunResult {
	elapsed := time.Since(start)
	return &RunResult{
		Collisions:       s.collisionCount,
		FloorCollisions:  s.metrics.FloorCollisions,
		PistonCollisions: s.metrics.PistonCollisions,
		VirtualTime:      s.virtualTime,
		WallClock:        elapsed,
		WallClockSeconds: elapsed.Seconds(),
	}
}

// StepUntil advances the simulation until the specified target virtual time is reached
func (s *Simulator) StepUntil(targetTime float64) (float64, error) {
	for s.virtualTime < targetTime {
		if _, err := s.Step(); err != nil {
			return s.virtualTime, err
		}
	}
	return s.virtualTime, nil
}

// StepByDelta advances the simulation by the specified time delta (in seconds)
func (s *Simulator) StepByDelta(deltaSeconds float64) (float64, error) {
	return s.StepUntil(s.virtualTime + deltaSeconds)
}

// Reset re-initializes the ensemble from the config with a fresh random
// source. Callbacks, logger and progress reporter are preserved.
func (s *Simulator) Reset() error {
	newSim, err := NewSimulator(s.config)
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	logEvent := s.LogEvent
	onCollision := s.OnCollision
	logger := s.logger
	progress := s.progress

	*s = *newSim

	s.LogEvent = logEvent
	s.OnCollision = onCollision
	s.logger = logger
	s.progress = progress

	s.logEvent("[INIT] %d particles, piston at %.3f, v0=%.3f m/s",
		s.config.NumParticles, s.piston.Position, s.config.InitialParticleSpeed())
	return nil
}

// UpdateConfig validates newConfig and restarts the simulation with it
func (s *Simulator) UpdateConfig(newConfig SimConfig) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}
	s.config = newConfig
	return s.Reset()
}

// SetLogger sets the structured logger (discarding by default)
func (s *Simulator) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s.logger = logger
}

// SetProgressReporter sets the receiver of percent-complete notifications
func (s *Simulator) SetProgressReporter(p ProgressReporter) {
	s.progress = p
	s.lastPercent = int(math.Min(100, 100*s.virtualTime/s.config.MaxTime))
}

// logEvent sends a log message to the logger and the UI (if callback is set)
func (s *Simulator) logEvent(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Debug(msg)
	if s.LogEvent != nil {
		s.LogEvent(msg)
	}
}

// energy returns the kinetic and gravitational potential energy of all
// particles plus the piston
func (s *Simulator) energy() (float64, float64) {
	m := s.config.ParticleMass
	g := s.config.Gravity
	var kinetic, potential float64
	for i := range s.positions {
		v := s.velocities[i]
		kinetic += 0.5 * m * v * v
		potential += m * g * s.positions[i]
	}
	kinetic += 0.5 * s.config.PistonMass * s.piston.Velocity * s.piston.Velocity
	potential += s.config.PistonMass * g * s.piston.Position
	return kinetic, potential
}

// Helper functions

// Config returns a copy of the current configuration
func (s *Simulator) Config() SimConfig {
	return s.config
}

// VirtualTime returns the current virtual time
func (s *Simulator) VirtualTime() float64 {
	return s.virtualTime
}

// CollisionCount returns the number of collisions resolved so far
func (s *Simulator) CollisionCount() int {
	return s.collisionCount
}

// Failure returns the consistency failure that stopped the run, if any
func (s *Simulator) Failure() error {
	return s.failure
}

// NumParticles returns the ensemble size
func (s *Simulator) NumParticles() int {
	return len(s.positions)
}

// Particle returns the current state of particle i
func (s *Simulator) Particle(i int) Particle {
	return Particle{Position: s.positions[i], Velocity: s.velocities[i]}
}

// Piston returns the current piston state
func (s *Simulator) Piston() Piston {
	return s.piston
}

// CachedTimes returns the cached countdowns to particle i's next floor and
// piston collision
func (s *Simulator) CachedTimes(i int) (float64, float64) {
	return s.timeToFloor[i], s.timeToPiston[i]
}

// Metrics returns a copy of current metrics
func (s *Simulator) Metrics() *Metrics {
	s.metrics.refresh(s)
	return s.metrics.Clone()
}

// StateSnapshot is a copy of the simulation state for inspection
type StateSnapshot struct {
	VirtualTime float64    `json:"virtualTime"`
	Collisions  int        `json:"collisions"`
	Piston      Piston     `json:"piston"`
	Particles   []Particle `json:"particles"`
}

// State returns a copy of the current particle and piston state
func (s *Simulator) State() *StateSnapshot {
	particles := make([]Particle, len(s.positions))
	for i := range particles {
		particles[i] = s.Particle(i)
	}
	return &StateSnapshot{
		VirtualTime: s.virtualTime,
		Collisions:  s.collisionCount,
		Piston:      s.piston,
		Particles:   particles,
	}
}
