// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration drives the on-device calibration protocol: single
// byte commands written to the calibration characteristic and progress
// notifications coming back from it.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relabs-tech/powerflux/internal/ble"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/pubsub"
	"github.com/relabs-tech/powerflux/internal/wire"
)

// Endpoint resolves the calibration characteristic of the connected
// device. *link.Link implements it and returns link.ErrNotConnected or
// link.ErrCharacteristicNotFound.
type Endpoint interface {
	CalibrationCharacteristic() (ble.Characteristic, error)
}

// Controller owns the calibration state of the single connected device.
type Controller struct {
	endpoint Endpoint
	log      *slog.Logger

	mu    sync.Mutex
	state State
	// aborted is set by a successful Abort until the next notification.
	aborted bool
	updates *pubsub.Broadcaster[State]
}

// NewController returns an idle controller bound to endpoint.
func NewController(endpoint Endpoint, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		endpoint: endpoint,
		log:      logger.With("component", "calibration"),
		state:    Idle(),
		updates:  pubsub.New[State](),
	}
}

// State returns the current calibration state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Updates subscribes to state changes.
func (c *Controller) Updates(buf int) *pubsub.Subscription[State] {
	return c.updates.Subscribe(buf)
}

// StartQuick requests the two-position quick calibration.
func (c *Controller) StartQuick(ctx context.Context) error {
	return c.start(ctx, TypeQuick, wire.CommandStartQuick)
}

// StartFull requests the six-position full calibration.
func (c *Controller) StartFull(ctx context.Context) error {
	return c.start(ctx, TypeFull, wire.CommandStartFull)
}

// start sets the state to in progress before the write is acknowledged;
// notifications then confirm or override it. Without a connection the state
// is left alone; a device lacking the characteristic fails the run.
func (c *Controller) start(ctx context.Context, typ Type, cmd wire.Command) error {
	char, err := c.endpoint.CalibrationCharacteristic()
	if err != nil {
		if errors.Is(err, link.ErrCharacteristicNotFound) {
			c.fail(err)
		}
		return fmt.Errorf("start %s calibration: %w", typ, err)
	}

	c.mu.Lock()
	c.aborted = false
	c.state = State{
		IsCalibrating: true,
		Status:        StatusInProgress,
		Type:          typ,
		Phase:         PhaseRequested,
	}
	c.publishLocked()
	c.mu.Unlock()

	if err := c.write(ctx, char, cmd); err != nil {
		c.fail(err)
		return fmt.Errorf("start %s calibration: %w", typ, err)
	}
	c.log.Info("calibration requested", "type", typ)
	return nil
}

// Abort writes the abort command and returns to idle without waiting for
// the device. Aborting while idle does nothing.
func (c *Controller) Abort(ctx context.Context) error {
	c.mu.Lock()
	idle := c.state.Status != StatusInProgress
	c.mu.Unlock()
	if idle {
		return nil
	}

	char, err := c.endpoint.CalibrationCharacteristic()
	if err != nil {
		c.fail(err)
		return fmt.Errorf("abort calibration: %w", err)
	}
	if err := c.write(ctx, char, wire.CommandAbort); err != nil {
		c.fail(err)
		return fmt.Errorf("abort calibration: %w", err)
	}

	c.mu.Lock()
	c.state = Idle()
	c.aborted = true
	c.publishLocked()
	c.mu.Unlock()
	c.log.Info("calibration aborted")
	return nil
}

func (c *Controller) write(ctx context.Context, char ble.Characteristic, cmd wire.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := char.Write(wire.EncodeCommand(cmd)); err != nil {
		return fmt.Errorf("write %s command: %w", cmd, err)
	}
	return nil
}

func (c *Controller) fail(err error) {
	c.log.Error("calibration command failed", "err", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.IsCalibrating = false
	c.state.Status = StatusFailed
	c.state.Phase = PhaseNone
	c.state.Error = err.Error()
	c.publishLocked()
}

// HandleProgress applies a device notification. The device answers an
// abort with a terminal state; that one notification is dropped so the
// client stays idle.
func (c *Controller) HandleProgress(p wire.CalibrationProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aborted {
		c.aborted = false
		if next := MapDeviceState(p.State); next == StatusCompleted || next == StatusFailed {
			c.log.Debug("dropping terminal notification after abort", "deviceState", p.State)
			return
		}
	}
	prev := c.state.Status
	c.state = c.state.apply(p)
	if c.state.Status != prev {
		c.log.Info("calibration status", "status", c.state.Status, "deviceState", p.State, "type", c.state.Type)
	}
	c.publishLocked()
}

// Reset returns to idle. The link calls it on disconnect.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle()
	c.aborted = false
	c.publishLocked()
}

// Close ends all update subscriptions.
func (c *Controller) Close() {
	c.updates.Close()
}

func (c *Controller) publishLocked() {
	c.updates.Publish(c.state)
}
