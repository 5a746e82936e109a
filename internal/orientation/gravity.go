// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"

	"github.com/golang/geo/r3"
)

// gravityTolerance is how far |acc| may stray from 1g before the reading is
// treated as dominated by motion.
const gravityTolerance = 0.2

// RemoveGravity subtracts the estimated gravity direction from a reading in
// g. Readings away from 1g are returned unchanged; the unit gravity
// assumption only holds when the accelerometer scale has been calibrated.
func RemoveGravity(accel r3.Vector) r3.Vector {
	mag := accel.Norm()
	if mag == 0 || math.Abs(mag-1.0) > gravityTolerance {
		return accel
	}
	return accel.Sub(accel.Normalize())
}
