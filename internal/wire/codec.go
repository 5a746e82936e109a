// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package wire encodes and decodes the PowerFlux GATT payloads.
//
// Every payload is fixed-layout little-endian:
//
//	accelerometer / gyroscope  f32 x | f32 y | f32 z | u32 timestampMs   (16 bytes)
//	calibration progress       u8 state | u8 progress | f32 temp | u8 position | u8 reserved   (8 bytes)
//	calibration command        u8 command   (1 byte)
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Layout sizes.
const (
	AxisSampleSize          = 16
	CalibrationProgressSize = 8
	CommandSize             = 1
)

// Calibration progress field offsets.
const (
	progressStateOffset    = 0
	progressValueOffset    = 1
	progressTempOffset     = 2
	progressPositionOffset = 6
)

// ErrMalformedPayload is returned when a payload is shorter than its layout.
var ErrMalformedPayload = errors.New("malformed payload")

// AxisSample is one accelerometer or gyroscope notification.
type AxisSample struct {
	X, Y, Z     float32
	TimestampMs uint32
}

// Finite reports whether no axis is NaN or infinite.
func (s AxisSample) Finite() bool {
	for _, v := range [...]float32{s.X, s.Y, s.Z} {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// CalibrationProgress is one calibration characteristic notification.
type CalibrationProgress struct {
	State         uint8
	Progress      uint8
	Temperature   float32
	PositionIndex uint8
}

// Command is a single byte written to the calibration characteristic.
type Command uint8

const (
	CommandStart      Command = 1
	CommandAbort      Command = 2
	CommandStartFull  Command = 3
	CommandStartQuick Command = 4
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "START"
	case CommandAbort:
		return "ABORT"
	case CommandStartFull:
		return "START_FULL"
	case CommandStartQuick:
		return "START_QUICK"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

func short(layout string, want, got int) error {
	return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformedPayload, layout, want, got)
}

// DecodeAccelGyro decodes an accelerometer or gyroscope payload.
func DecodeAccelGyro(b []byte) (AxisSample, error) {
	if len(b) < AxisSampleSize {
		return AxisSample{}, short("accel/gyro sample", AxisSampleSize, len(b))
	}
	return AxisSample{
		X:           math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Y:           math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		Z:           math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		TimestampMs: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// EncodeAccelGyro is the inverse of DecodeAccelGyro.
func EncodeAccelGyro(s AxisSample) []byte {
	buf := make([]byte, AxisSampleSize)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(s.X))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(s.Y))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(s.Z))
	binary.LittleEndian.PutUint32(buf[12:16], s.TimestampMs)
	return buf
}

// DecodeCalibrationProgress decodes a calibration progress payload.
func DecodeCalibrationProgress(b []byte) (CalibrationProgress, error) {
	if len(b) < CalibrationProgressSize {
		return CalibrationProgress{}, short("calibration progress", CalibrationProgressSize, len(b))
	}
	return CalibrationProgress{
		State:         b[progressStateOffset],
		Progress:      b[progressValueOffset],
		Temperature:   math.Float32frombits(binary.LittleEndian.Uint32(b[progressTempOffset : progressTempOffset+4])),
		PositionIndex: b[progressPositionOffset],
	}, nil
}

// EncodeCalibrationProgress is the inverse of DecodeCalibrationProgress.
// The reserved byte is always zero.
func EncodeCalibrationProgress(p CalibrationProgress) []byte {
	buf := make([]byte, CalibrationProgressSize)
	buf[progressStateOffset] = p.State
	buf[progressValueOffset] = p.Progress
	binary.LittleEndian.PutUint32(buf[progressTempOffset:progressTempOffset+4], math.Float32bits(p.Temperature))
	buf[progressPositionOffset] = p.PositionIndex
	return buf
}

// EncodeCommand wraps a command in its one byte payload.
func EncodeCommand(c Command) []byte {
	return []byte{byte(c)}
}

// DecodeCommand reads a command payload.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < CommandSize {
		return 0, short("calibration command", CommandSize, len(b))
	}
	return Command(b[0]), nil
}

// ToBase64 renders a payload in the byte-container form used when frames
// travel inside JSON documents.
func ToBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromBase64 parses a base64 byte container.
func FromBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedPayload, err)
	}
	return b, nil
}
