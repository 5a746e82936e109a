// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"fmt"

	"github.com/relabs-tech/powerflux/internal/wire"
)

// Status is the client-side calibration status.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Type of the running or last calibration.
type Type string

const (
	TypeNone  Type = "none"
	TypeQuick Type = "quick"
	TypeFull  Type = "full"
)

// Phase separates the optimistic local start from the device confirming it.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseRequested Phase = "requested"
	PhaseConfirmed Phase = "confirmed"
)

// Device states reported on the calibration characteristic.
const (
	DeviceIdle            uint8 = 0
	DeviceStaticFlat      uint8 = 1
	DeviceWaitingRotation uint8 = 2
	DeviceStabilizing     uint8 = 3
	DeviceStaticSide      uint8 = 4
	DeviceFullComplete    uint8 = 11
	DeviceFailed          uint8 = 12
	DeviceQuickComplete   uint8 = 15
)

// FullCalibrationSteps is the number of positions of a full calibration.
const FullCalibrationSteps = 6

const failedMessage = "Calibration failed"

// State is a snapshot of the calibration as seen by the client.
type State struct {
	IsCalibrating bool    `json:"isCalibrating"`
	Status        Status  `json:"status"`
	Type          Type    `json:"type"`
	Progress      uint8   `json:"progress"`
	Error         string  `json:"error,omitempty"`
	Phase         Phase   `json:"phase"`
	DeviceState   uint8   `json:"deviceState"`
	Temperature   float32 `json:"temperature"`
	PositionIndex uint8   `json:"positionIndex"`
}

// Idle is the state after a reset.
func Idle() State {
	return State{Status: StatusIdle, Type: TypeNone, Phase: PhaseNone}
}

// MapDeviceState converts a device state byte into the client status.
func MapDeviceState(state uint8) Status {
	switch state {
	case DeviceIdle:
		return StatusIdle
	case DeviceFullComplete, DeviceQuickComplete:
		return StatusCompleted
	case DeviceFailed:
		return StatusFailed
	default:
		return StatusInProgress
	}
}

// apply folds a device notification into s.
func (s State) apply(p wire.CalibrationProgress) State {
	s.DeviceState = p.State
	s.Temperature = p.Temperature
	s.PositionIndex = p.PositionIndex
	s.Status = MapDeviceState(p.State)
	s.IsCalibrating = s.Status == StatusInProgress
	s.Error = ""

	switch s.Status {
	case StatusIdle:
		s.Progress = 0
		s.Phase = PhaseNone
	case StatusCompleted:
		s.Progress = 100
		s.Phase = PhaseConfirmed
		if p.State == DeviceFullComplete {
			s.Type = TypeFull
		} else {
			s.Type = TypeQuick
		}
	case StatusFailed:
		s.Progress = p.Progress
		s.Phase = PhaseConfirmed
		s.Error = failedMessage
	default:
		s.Progress = min(p.Progress, 100)
		s.Phase = PhaseConfirmed
		if s.Type == TypeNone {
			// Started on the device itself.
			s.Type = TypeQuick
		}
	}
	return s
}

// Instruction is the step the user has to perform, or "" when nothing is
// expected of them.
func (s State) Instruction() string {
	if s.Status != StatusInProgress {
		return ""
	}
	if s.Type == TypeFull && s.DeviceState == DeviceStaticFlat {
		return fmt.Sprintf("Place the device in position %d of %d and keep it still", int(s.PositionIndex)+1, FullCalibrationSteps)
	}
	var step string
	switch s.DeviceState {
	case DeviceStaticFlat:
		step = "Lay the device flat, display up, and keep it still"
	case DeviceWaitingRotation:
		step = "Rotate the device 90°"
	case DeviceStabilizing:
		step = "Hold the device still"
	case DeviceStaticSide:
		step = "Stand the device on its side, display towards you"
	default:
		if s.Phase == PhaseRequested {
			return "Waiting for the device"
		}
		step = fmt.Sprintf("Calibrating (device state %d)", s.DeviceState)
	}
	if s.Type == TypeFull {
		step = fmt.Sprintf("%s (position %d of %d)", step, int(s.PositionIndex)+1, FullCalibrationSteps)
	}
	return step
}
