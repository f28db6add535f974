package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/miretskiy/pistongas/simulator"
)

// Environment variables that override config file values. Flags override
// both.
const (
	envParticles = "PISTONGAS_PARTICLES"
	envMaxTime   = "PISTONGAS_MAX_TIME"
	envSeed      = "PISTONGAS_SEED"
)

var envKeys = []string{envParticles, envMaxTime, envSeed}

// loadEnv reads the override variables from a dotenv file, if it exists, and
// from the process environment. The process environment wins.
func loadEnv(path string) (map[string]string, error) {
	env := map[string]string{}
	if path != "" {
		fileEnv, err := godotenv.Read(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		default:
			for _, key := range envKeys {
				if v, ok := fileEnv[key]; ok {
					env[key] = v
				}
			}
		}
	}

	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env, nil
}

// applyEnv copies the override variables present in env into cfg.
func applyEnv(cfg *simulator.SimConfig, env map[string]string) error {
	if v, ok := env[envParticles]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envParticles, err)
		}
		cfg.NumParticles = n
	}
	if v, ok := env[envMaxTime]; ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envMaxTime, err)
		}
		cfg.MaxTime = t
	}
	if v, ok := env[envSeed]; ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envSeed, err)
		}
		cfg.RandomSeed = seed
	}
	return nil
}
