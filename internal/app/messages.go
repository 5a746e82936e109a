// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"github.com/relabs-tech/powerflux/internal/calibration"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/orientation"
)

// JSON payloads shared by the MQTT relay, the console and the web server.

// OrientationMessage carries the fused pose in degrees.
type OrientationMessage struct {
	Timestamp uint32     `json:"timestamp"`
	Roll      float64    `json:"roll"`
	Pitch     float64    `json:"pitch"`
	Yaw       float64    `json:"yaw"`
	Linear    [3]float64 `json:"linear"`
}

func newOrientationMessage(f Frame) OrientationMessage {
	deg := f.Orientation.Degrees()
	return OrientationMessage{
		Timestamp: f.Sample.Timestamp,
		Roll:      deg.Roll,
		Pitch:     deg.Pitch,
		Yaw:       deg.Yaw,
		Linear:    f.Linear,
	}
}

// Estimate converts the message back to radians.
func (m OrientationMessage) Estimate() orientation.Estimate {
	return orientation.Estimate{Roll: m.Roll, Pitch: m.Pitch, Yaw: m.Yaw}
}

// StatusMessage is the link state.
type StatusMessage struct {
	State    string `json:"state"`
	Device   string `json:"device,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newStatusMessage(st link.Status) StatusMessage {
	m := StatusMessage{
		State:    st.State.String(),
		Device:   st.Device,
		TimedOut: st.TimedOut,
	}
	if st.Err != nil {
		m.Error = st.Err.Error()
	}
	return m
}

// CalibrationMessage is the calibration state plus the user instruction.
type CalibrationMessage struct {
	calibration.State
	Instruction string `json:"instruction,omitempty"`
}

func newCalibrationMessage(st calibration.State) CalibrationMessage {
	return CalibrationMessage{State: st, Instruction: st.Instruction()}
}
