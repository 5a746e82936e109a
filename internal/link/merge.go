// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"sync"

	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/wire"
)

// Merger pairs independent accelerometer and gyroscope notifications into
// complete samples. Within one window the latest update of each sensor
// wins; the window closes as soon as both halves are present.
type Merger struct {
	mu   sync.Mutex
	acc  *wire.AxisSample
	gyr  *wire.AxisSample
	over uint64
}

// PutAccel records an accelerometer update and returns the merged sample
// when the window is complete.
func (m *Merger) PutAccel(s wire.AxisSample) (imu.SensorData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acc != nil {
		m.over++
	}
	m.acc = &s
	return m.take()
}

// PutGyro records a gyroscope update.
func (m *Merger) PutGyro(s wire.AxisSample) (imu.SensorData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gyr != nil {
		m.over++
	}
	m.gyr = &s
	return m.take()
}

func (m *Merger) take() (imu.SensorData, bool) {
	if m.acc == nil || m.gyr == nil {
		return imu.SensorData{}, false
	}
	ts := m.acc.TimestampMs
	if m.gyr.TimestampMs > ts {
		ts = m.gyr.TimestampMs
	}
	out := imu.SensorData{
		AccX:      float64(m.acc.X),
		AccY:      float64(m.acc.Y),
		AccZ:      float64(m.acc.Z),
		GyrX:      float64(m.gyr.X),
		GyrY:      float64(m.gyr.Y),
		GyrZ:      float64(m.gyr.Z),
		Timestamp: ts,
	}
	m.acc, m.gyr = nil, nil
	return out, true
}

// Overwritten counts partial updates replaced before their window closed.
func (m *Merger) Overwritten() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.over
}

// Reset drops any partial sample.
func (m *Merger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acc, m.gyr = nil, nil
}
