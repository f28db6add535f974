package simulator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/gcfg.v1"
	"gopkg.in/yaml.v3"
)

// StandardGravity is the default gravitational acceleration in m/s^2
const StandardGravity = 9.81

// SimConfig holds all simulation parameters
type SimConfig struct {
	// Ensemble
	NumParticles int     `json:"numParticles" yaml:"numParticles"` // n: number of gas particles
	MaxTime      float64 `json:"maxTime" yaml:"maxTime"`           // Simulated time budget in virtual seconds

	// Physics
	Gravity      float64 `json:"gravity" yaml:"gravity"`           // g in m/s^2 (must be > 0)
	ParticleMass float64 `json:"particleMass" yaml:"particleMass"` // m: mass of each gas particle
	PistonMass   float64 `json:"pistonMass" yaml:"pistonMass"`     // M: mass of the piston

	// Piston initial conditions
	PistonInitialPosition float64 `json:"pistonInitialPosition" yaml:"pistonInitialPosition"` // X0: height of the piston at t=0
	PistonInitialVelocity float64 `json:"pistonInitialVelocity" yaml:"pistonInitialVelocity"` // V0: velocity of the piston at t=0

	RandomSeed int64 `json:"randomSeed" yaml:"randomSeed"` // 0 = use time-based seed

	// Run control
	ProgressEnabled     bool `json:"progressEnabled" yaml:"progressEnabled"`         // Emit percent-complete notifications
	CancelCheckInterval int  `json:"cancelCheckInterval" yaml:"cancelCheckInterval"` // Steps between context checks in Run
}

// DefaultConfig returns the reference configuration: a light gas under a
// piston a thousand times heavier than one particle
func DefaultConfig() SimConfig {
	return SimConfig{
		NumParticles:          100,             // 100 particles
		MaxTime:               10.0,            // 10 virtual seconds
		Gravity:               StandardGravity, // 9.81 m/s^2
		ParticleMass:          0.001,           // m = 1 g
		PistonMass:            1.0,             // M = 1 kg, heavy and slow to recoil
		PistonInitialPosition: 1.0,             // piston starts 1 m above the floor
		PistonInitialVelocity: 0.0,             // piston starts at rest
		RandomSeed:            0,               // 0 = use time-based seed
		ProgressEnabled:       false,           // no progress callbacks
		CancelCheckInterval:   4096,            // check ctx every 4096 collisions
	}
}

// InitialParticleSpeed returns the common starting speed of every particle:
// the speed at which the gas's total kinetic energy equals the piston's
// potential energy at its starting height.
func (c *SimConfig) InitialParticleSpeed() float64 {
	return math.Sqrt(2 * c.PistonMass * c.Gravity * c.PistonInitialPosition /
		(float64(c.NumParticles) * c.ParticleMass))
}

// Validate checks if configuration values are reasonable
func (c *SimConfig) Validate() error {
	if c.NumParticles <= 0 {
		return ErrInvalidConfig("numParticles must be > 0")
	}
	if !(c.MaxTime > 0) || math.IsInf(c.MaxTime, 0) {
		return ErrInvalidConfig("maxTime must be a positive finite number")
	}
	if !(c.Gravity > 0) || math.IsInf(c.Gravity, 0) {
		// The zero-gravity formulation is not supported: time to floor would
		// be unbounded for rising particles.
		return ErrInvalidConfig("gravity must be a positive finite number")
	}
	if !(c.ParticleMass > 0) {
		return ErrInvalidConfig("particleMass must be > 0")
	}
	if !(c.PistonMass > 0) {
		return ErrInvalidConfig("pistonMass must be > 0")
	}
	if !(c.PistonInitialPosition > 0) || math.IsInf(c.PistonInitialPosition, 0) {
		return ErrInvalidConfig("pistonInitialPosition must be a positive finite number")
	}
	if math.IsNaN(c.PistonInitialVelocity) || math.IsInf(c.PistonInitialVelocity, 0) {
		return ErrInvalidConfig("pistonInitialVelocity must be finite")
	}
	if c.CancelCheckInterval < 0 {
		return ErrInvalidConfig("cancelCheckInterval must be >= 0")
	}
	return nil
}

// gcfgFile is the layout of a gcfg/ini configuration file:
//
//	[simulation]
//	numParticles = 1000
//	maxTime = 5
type gcfgFile struct {
	Simulation SimConfig
}

// LoadConfig reads a configuration file, choosing the decoder from the file
// extension (.json, .yaml/.yml, .gcfg/.ini). Fields absent from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (SimConfig, error) {
	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".gcfg" || ext == ".ini" {
		file := gcfgFile{Simulation: cfg}
		if err := gcfg.ReadFileInto(&file, path); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
		return file.Simulation, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q (want .json, .yaml, .yml, .gcfg or .ini)", ext)
	}
	return cfg, nil
}
