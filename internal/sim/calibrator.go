// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sim

import (
	"github.com/relabs-tech/powerflux/internal/wire"
)

// Device-side calibration states as reported on the wire.
const (
	stateIdle          uint8 = 0
	stateStaticFlat    uint8 = 1
	stateWaitRotation  uint8 = 2
	stateStabilizing   uint8 = 3
	stateStaticSide    uint8 = 4
	stateFullComplete  uint8 = 11
	stateFailed        uint8 = 12
	stateQuickComplete uint8 = 15

	fullPositions = 6
)

// calibrator is the firmware calibration sequence driven by sample ticks.
// Quick: flat sampling, wait for rotation, stabilize, side sampling.
// Full: sampling and stabilizing for each of six positions.
type calibrator struct {
	stepTicks  int
	failNext   bool
	full       bool
	state      uint8
	progress   uint8
	position   uint8
	ticks      int
	inProgress bool
}

// command applies a command byte and reports whether a notification is due.
func (c *calibrator) command(cmd wire.Command) bool {
	switch cmd {
	case wire.CommandStart, wire.CommandStartQuick:
		if c.inProgress {
			return false
		}
		c.begin(false)
	case wire.CommandStartFull:
		if c.inProgress {
			return false
		}
		c.begin(true)
	case wire.CommandAbort:
		if !c.inProgress {
			return false
		}
		c.inProgress = false
		c.transition(stateFailed)
	default:
		return false
	}
	return true
}

func (c *calibrator) begin(full bool) {
	c.full = full
	c.inProgress = true
	c.progress = 0
	c.position = 0
	c.transition(stateStaticFlat)
}

func (c *calibrator) transition(s uint8) {
	c.state = s
	c.ticks = 0
}

// tick advances one sample period and reports whether a notification is
// due, like the firmware which reports every ten samples and on each
// transition.
func (c *calibrator) tick() bool {
	if !c.inProgress {
		return false
	}
	c.ticks++
	if c.full {
		return c.tickFull()
	}
	return c.tickQuick()
}

func (c *calibrator) tickQuick() bool {
	switch c.state {
	case stateStaticFlat:
		if c.ticks >= c.stepTicks {
			if c.failNext {
				c.failNext = false
				c.inProgress = false
				c.transition(stateFailed)
				return true
			}
			c.progress = 50
			c.transition(stateWaitRotation)
			return true
		}
		c.progress = uint8(c.ticks * 50 / c.stepTicks)
	case stateWaitRotation:
		// Nobody rotates a simulator; treat the rotation as done.
		if c.ticks >= c.stepTicks/2 {
			c.transition(stateStabilizing)
			return true
		}
	case stateStabilizing:
		if c.ticks >= c.stepTicks/2 {
			c.transition(stateStaticSide)
			return true
		}
	case stateStaticSide:
		if c.ticks >= c.stepTicks {
			c.progress = 100
			c.inProgress = false
			c.transition(stateQuickComplete)
			return true
		}
		c.progress = uint8(50 + c.ticks*50/c.stepTicks)
	}
	return c.ticks%10 == 0
}

func (c *calibrator) tickFull() bool {
	switch c.state {
	case stateStaticFlat:
		if c.ticks >= c.stepTicks {
			if c.failNext {
				c.failNext = false
				c.inProgress = false
				c.transition(stateFailed)
				return true
			}
			c.position++
			c.progress = uint8(int(c.position) * 100 / fullPositions)
			if c.position == fullPositions {
				c.progress = 100
				c.inProgress = false
				c.transition(stateFullComplete)
				return true
			}
			c.transition(stateStabilizing)
			return true
		}
		c.progress = uint8((int(c.position)*c.stepTicks + c.ticks) * 100 / (fullPositions * c.stepTicks))
	case stateStabilizing:
		if c.ticks >= c.stepTicks/2 {
			c.transition(stateStaticFlat)
			return true
		}
	}
	return c.ticks%10 == 0
}

func (c *calibrator) report(temperature float32) wire.CalibrationProgress {
	return wire.CalibrationProgress{
		State:         c.state,
		Progress:      c.progress,
		Temperature:   temperature,
		PositionIndex: c.position,
	}
}

func (c *calibrator) reset() {
	*c = calibrator{stepTicks: c.stepTicks, failNext: c.failNext}
}
