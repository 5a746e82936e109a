// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ble

import (
	"context"
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// Radio adapts a tinygo bluetooth adapter to the Adapter interface.
type Radio struct {
	adapter *bluetooth.Adapter
}

// NewRadio wraps the system default adapter.
func NewRadio() *Radio {
	return &Radio{adapter: bluetooth.DefaultAdapter}
}

// Enable powers the adapter. On Linux this fails when BlueZ has no powered
// controller.
func (r *Radio) Enable() error {
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return nil
}

func (r *Radio) Scan(fn func(ScanResult)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, found bluetooth.ScanResult) {
		fn(ScanResult{
			Address:   found.Address.String(),
			LocalName: found.LocalName(),
			RSSI:      found.RSSI,
		})
	})
}

func (r *Radio) SetDisconnectHandler(fn func(address string)) {
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			fn(device.Address.String())
		}
	})
}

func (r *Radio) StopScan() error {
	return r.adapter.StopScan()
}

// Connect dials address. The tinygo call itself is not cancellable, so a
// connection that completes after ctx is done is closed again.
func (r *Radio) Connect(ctx context.Context, address string) (Device, error) {
	var addr bluetooth.Address
	addr.Set(address)

	type result struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- result{dev: dev, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return &radioDevice{dev: res.dev, address: address}, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				res.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type radioDevice struct {
	dev     bluetooth.Device
	address string
}

func (d *radioDevice) Address() string { return d.address }

func (d *radioDevice) DiscoverCharacteristics(service string, chars []string) (map[string]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(service)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid %q: %w", service, err)
	}
	services, err := d.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover service %s: %w", service, err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("service %s not found", service)
	}

	// Discover everything on the service and pick what was asked for, so a
	// single missing characteristic does not fail the whole lookup.
	found, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics of %s: %w", service, err)
	}
	want := make(map[string]bool, len(chars))
	for _, c := range chars {
		want[strings.ToLower(c)] = true
	}
	out := make(map[string]Characteristic, len(chars))
	for _, c := range found {
		id := strings.ToLower(c.UUID().String())
		if want[id] {
			out[id] = &radioCharacteristic{char: c, uuid: id}
		}
	}
	return out, nil
}

func (d *radioDevice) Disconnect() error {
	return d.dev.Disconnect()
}

type radioCharacteristic struct {
	char bluetooth.DeviceCharacteristic
	uuid string
}

func (c *radioCharacteristic) UUID() string { return c.uuid }

func (c *radioCharacteristic) EnableNotifications(fn func([]byte)) error {
	if fn == nil {
		return c.char.EnableNotifications(nil)
	}
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack reuses buf after the callback returns.
		fn(append([]byte(nil), buf...))
	})
}

// Write sends p without response; the firmware characteristic accepts both
// and BlueZ only exposes the unacknowledged write.
func (c *radioCharacteristic) Write(p []byte) (int, error) {
	return c.char.WriteWithoutResponse(p)
}
