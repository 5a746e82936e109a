// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sim

import (
	"math"
	"time"

	"github.com/relabs-tech/powerflux/internal/imu"
)

// Motion generates smoothly changing samples: a slow roll and pitch sway,
// a constant yaw rate and a small oscillating linear acceleration on X.
type Motion struct {
	// GyroScale is the raw-unit scale the receiver applies; the generated
	// gyro values are rates divided by it.
	GyroScale float64

	start time.Time
}

// NewMotion creates a generator starting now.
func NewMotion(gyroScale float64) *Motion {
	return &Motion{GyroScale: gyroScale, start: time.Now()}
}

// Next returns the sample for the time elapsed since creation.
func (m *Motion) Next() (imu.SensorData, error) {
	return m.At(time.Since(m.start)), nil
}

// At returns the sample at elapsed.
func (m *Motion) At(elapsed time.Duration) imu.SensorData {
	t := elapsed.Seconds()

	roll := 0.35 * math.Sin(t)
	pitch := 0.26 * math.Cos(t*0.7)
	rollRate := 0.35 * math.Cos(t)
	pitchRate := -0.26 * 0.7 * math.Sin(t*0.7)
	const yawRate = 0.5

	// Gravity in the body frame for this roll and pitch.
	ax := -math.Sin(pitch)
	ay := math.Sin(roll) * math.Cos(pitch)
	az := math.Cos(roll) * math.Cos(pitch)

	scale := m.GyroScale
	if scale == 0 {
		scale = 1.0 / 131.0
	}

	return imu.SensorData{
		AccX:      ax + 0.05*math.Sin(5*t),
		AccY:      ay,
		AccZ:      az,
		GyrX:      rollRate / scale,
		GyrY:      pitchRate / scale,
		GyrZ:      yawRate / scale,
		Timestamp: uint32(elapsed.Milliseconds()),
	}
}
