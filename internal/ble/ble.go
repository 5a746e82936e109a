// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package ble is the small slice of a Bluetooth LE central the telemetry
// link needs. The radio implementation lives in radio.go; the simulator in
// internal/sim implements the same interfaces.
package ble

import (
	"context"
)

// Firmware identifiers of the PowerFlux peripheral.
const (
	DeviceName          = "PowerFlux"
	ServiceUUID         = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	AccelCharUUID       = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	GyroCharUUID        = "beb5483e-36e1-4688-b7f5-ea07361b26a9"
	CalibrationCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26aa"
)

// Profile names the endpoints of a peripheral.
type Profile struct {
	DeviceName  string
	Service     string
	Accel       string
	Gyro        string
	Calibration string
}

// DefaultProfile is the PowerFlux firmware profile.
func DefaultProfile() Profile {
	return Profile{
		DeviceName:  DeviceName,
		Service:     ServiceUUID,
		Accel:       AccelCharUUID,
		Gyro:        GyroCharUUID,
		Calibration: CalibrationCharUUID,
	}
}

// Characteristics lists the characteristic UUIDs of p.
func (p Profile) Characteristics() []string {
	return []string{p.Accel, p.Gyro, p.Calibration}
}

// ScanResult is one advertisement seen during a scan.
type ScanResult struct {
	Address   string
	LocalName string
	RSSI      int16
}

// Adapter is the local radio.
type Adapter interface {
	// Enable powers up the adapter and fails if the radio is off or absent.
	Enable() error
	// Scan blocks, calling fn for each advertisement, until StopScan is
	// called or the scan fails.
	Scan(fn func(ScanResult)) error
	StopScan() error
	// Connect opens a connection to address. It honours ctx cancellation.
	Connect(ctx context.Context, address string) (Device, error)
	// SetDisconnectHandler registers fn to be called when a connected
	// peripheral drops the link.
	SetDisconnectHandler(fn func(address string))
}

// Device is a connected peripheral.
type Device interface {
	Address() string
	// DiscoverCharacteristics resolves the requested characteristics of a
	// service. Missing characteristics are absent from the map; a missing
	// service is an error.
	DiscoverCharacteristics(service string, chars []string) (map[string]Characteristic, error)
	Disconnect() error
}

// Characteristic is one GATT characteristic of a connected device.
type Characteristic interface {
	UUID() string
	// EnableNotifications installs fn as the notification handler. A nil fn
	// unsubscribes.
	EnableNotifications(fn func([]byte)) error
	Write(p []byte) (int, error)
}
