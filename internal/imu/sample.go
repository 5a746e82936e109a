// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"math"

	"github.com/golang/geo/r3"
)

// SensorData is one merged accelerometer + gyroscope sample.
type SensorData struct {
	AccX float64 `json:"accX"` // g
	AccY float64 `json:"accY"`
	AccZ float64 `json:"accZ"`
	GyrX float64 `json:"gyrX"` // device units
	GyrY float64 `json:"gyrY"`
	GyrZ float64 `json:"gyrZ"`

	Timestamp uint32 `json:"timestamp"` // device ms
}

// Accel returns the accelerometer triple as a vector.
func (s SensorData) Accel() r3.Vector {
	return r3.Vector{X: s.AccX, Y: s.AccY, Z: s.AccZ}
}

// Gyro returns the gyroscope triple as a vector.
func (s SensorData) Gyro() r3.Vector {
	return r3.Vector{X: s.GyrX, Y: s.GyrY, Z: s.GyrZ}
}

// AccelMagnitude is |acc|, the value the device shows on its own screen.
func (s SensorData) AccelMagnitude() float64 {
	return math.Sqrt(s.AccX*s.AccX + s.AccY*s.AccY + s.AccZ*s.AccZ)
}

// Finite reports whether every axis is a finite number.
func (s SensorData) Finite() bool {
	for _, v := range [...]float64{s.AccX, s.AccY, s.AccZ, s.GyrX, s.GyrY, s.GyrZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Source produces samples over time.
type Source interface {
	Next() (SensorData, error)
}
