package main

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miretskiy/pistongas/simulator"
)

var (
	// Prometheus metrics (gauges)
	promMetrics = struct {
		virtualTime      prometheus.Gauge
		collisions       prometheus.Gauge
		floorCollisions  prometheus.Gauge
		pistonCollisions prometheus.Gauge
		pistonPosition   prometheus.Gauge
		pistonVelocity   prometheus.Gauge
		meanPiston       prometheus.Gauge
		totalEnergy      prometheus.Gauge
		energyDrift      prometheus.Gauge
		meanFloorForce   prometheus.Gauge
	}{
		virtualTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_virtual_time_seconds",
			Help: "Simulated time elapsed",
		}),
		collisions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_collisions",
			Help: "Collisions resolved so far",
		}),
		floorCollisions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_floor_collisions",
			Help: "Particle-floor collisions resolved so far",
		}),
		pistonCollisions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_piston_collisions",
			Help: "Particle-piston collisions resolved so far",
		}),
		pistonPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_piston_position_meters",
			Help: "Current piston height",
		}),
		pistonVelocity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_piston_velocity_meters_per_second",
			Help: "Current piston velocity (positive = up)",
		}),
		meanPiston: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_piston_mean_position_meters",
			Help: "Time-averaged piston height",
		}),
		totalEnergy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_total_energy_joules",
			Help: "Kinetic plus potential energy of gas and piston",
		}),
		energyDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_energy_drift_ratio",
			Help: "Relative deviation of total energy from its initial value",
		}),
		meanFloorForce: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pistongas_mean_floor_force_newtons",
			Help: "Time-averaged force of the gas on the floor",
		}),
	}

	registerOnce sync.Once
)

func initPrometheusMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			promMetrics.virtualTime,
			promMetrics.collisions,
			promMetrics.floorCollisions,
			promMetrics.pistonCollisions,
			promMetrics.pistonPosition,
			promMetrics.pistonVelocity,
			promMetrics.meanPiston,
			promMetrics.totalEnergy,
			promMetrics.energyDrift,
			promMetrics.meanFloorForce,
		)
	})
}

func updatePrometheusMetrics(metrics *simulator.Metrics) {
	promMetrics.virtualTime.Set(metrics.Timestamp)
	promMetrics.collisions.Set(float64(metrics.Collisions))
	promMetrics.floorCollisions.Set(float64(metrics.FloorCollisions))
	promMetrics.pistonCollisions.Set(float64(metrics.PistonCollisions))
	promMetrics.pistonPosition.Set(metrics.PistonPosition)
	promMetrics.pistonVelocity.Set(metrics.PistonVelocity)
	promMetrics.meanPiston.Set(metrics.MeanPistonPosition)
	promMetrics.totalEnergy.Set(metrics.TotalEnergy)
	promMetrics.energyDrift.Set(metrics.EnergyDrift)
	promMetrics.meanFloorForce.Set(metrics.MeanFloorForce)
}
