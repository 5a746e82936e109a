// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
)

// Estimate is the canonical orientation for the app, in radians.
type Estimate struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Degrees returns the same estimate in degrees, for display.
func (e Estimate) Degrees() Estimate {
	return Estimate{
		Roll:  e.Roll * 180.0 / math.Pi,
		Pitch: e.Pitch * 180.0 / math.Pi,
		Yaw:   e.Yaw * 180.0 / math.Pi,
	}
}

// AccelTilt computes roll and pitch from accelerometer data only.
// Yaw is 0, there is no magnetometer on the device.
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func AccelTilt(ax, ay, az float64) Estimate {
	return Estimate{
		Roll:  math.Atan2(ay, az),
		Pitch: math.Atan2(-ax, math.Sqrt(ay*ay+az*az)),
	}
}

// normalizeAngle maps a finite angle into (-π, π].
func normalizeAngle(a float64) float64 {
	a = math.Remainder(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
