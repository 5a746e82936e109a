// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Gyro full-scale ranges as configured on the MPU-6886 class sensor.
// The index matches the register value (0=±250°/s ... 3=±2000°/s).
var gyroLSBPerDPS = [...]float64{131, 65.5, 32.8, 16.4}

// FilterConfig tunes the complementary filter.
type FilterConfig struct {
	// Alpha is the weight of the integrated gyro path, 1-Alpha goes to the
	// accelerometer tilt.
	Alpha float64
	// GyroScale converts one raw gyro unit into the filter's angular rate.
	GyroScale float64
	// StaticTolerance bounds |‖acc‖-1g| for the accelerometer to be trusted.
	StaticTolerance float64
}

// DefaultFilterConfig matches the ±250°/s sensor the firmware configures.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Alpha:           0.96,
		GyroScale:       1.0 / 131.0,
		StaticTolerance: 0.2,
	}
}

// GyroScaleForRange returns the raw-unit scale for a gyro range register
// value (0-3).
func GyroScaleForRange(rangeSel byte) (float64, error) {
	if int(rangeSel) >= len(gyroLSBPerDPS) {
		return 0, fmt.Errorf("gyro range must be 0-3, got %d", rangeSel)
	}
	return 1.0 / gyroLSBPerDPS[rangeSel], nil
}

// Filter is a complementary filter fusing accelerometer tilt with
// integrated gyro rates. Not safe for concurrent use.
type Filter struct {
	cfg FilterConfig

	haveLast      bool
	lastTimestamp uint32
	orientation   Estimate
	discarded     int
}

// NewFilter returns a filter at zero orientation.
func NewFilter(cfg FilterConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Update feeds one sample and returns the new estimate. The first call only
// anchors the timestamp. A timestamp older than the previous one is
// discarded and becomes the new anchor.
func (f *Filter) Update(accel, gyro r3.Vector, timestampMs uint32) Estimate {
	if !f.haveLast {
		f.haveLast = true
		f.lastTimestamp = timestampMs
		return f.orientation
	}

	if timestampMs < f.lastTimestamp {
		f.discarded++
		f.lastTimestamp = timestampMs
		return f.orientation
	}
	dt := float64(timestampMs-f.lastTimestamp) / 1000.0
	f.lastTimestamp = timestampMs
	if dt == 0 {
		return f.orientation
	}

	step := dt * f.cfg.GyroScale
	roll := f.orientation.Roll + gyro.X*step
	pitch := f.orientation.Pitch + gyro.Y*step

	if f.reliable(accel) {
		tilt := AccelTilt(accel.X, accel.Y, accel.Z)
		roll = f.cfg.Alpha*roll + (1-f.cfg.Alpha)*tilt.Roll
		pitch = f.cfg.Alpha*pitch + (1-f.cfg.Alpha)*tilt.Pitch
	}

	f.orientation.Roll = roll
	f.orientation.Pitch = pitch
	f.orientation.Yaw = normalizeAngle(f.orientation.Yaw + gyro.Z*step)
	return f.orientation
}

func (f *Filter) reliable(accel r3.Vector) bool {
	return math.Abs(accel.Norm()-1.0) < f.cfg.StaticTolerance
}

// Orientation returns the current estimate.
func (f *Filter) Orientation() Estimate { return f.orientation }

// Discarded counts samples dropped for going back in time.
func (f *Filter) Discarded() int { return f.discarded }

// Reset returns the filter to its initial state.
func (f *Filter) Reset() {
	f.haveLast = false
	f.lastTimestamp = 0
	f.orientation = Estimate{}
	f.discarded = 0
}
