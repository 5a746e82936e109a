// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/relabs-tech/powerflux/internal/ble"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/wire"
)

type fakeChar struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
}

func (c *fakeChar) UUID() string                           { return ble.CalibrationCharUUID }
func (c *fakeChar) EnableNotifications(func([]byte)) error { return nil }

func (c *fakeChar) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeChar) commands() []wire.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Command
	for _, w := range c.writes {
		out = append(out, wire.Command(w[0]))
	}
	return out
}

type fakeEndpoint struct {
	char *fakeChar
	err  error
}

func (e *fakeEndpoint) CalibrationCharacteristic() (ble.Characteristic, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.char, nil
}

func newTestController() (*Controller, *fakeEndpoint) {
	ep := &fakeEndpoint{char: &fakeChar{}}
	return NewController(ep, slog.New(slog.NewTextHandler(io.Discard, nil))), ep
}

func TestStartQuickIsOptimisticThenConfirmed(t *testing.T) {
	c, ep := newTestController()
	updates := c.Updates(8)
	defer updates.Close()

	if err := c.StartQuick(context.Background()); err != nil {
		t.Fatalf("StartQuick: %v", err)
	}
	if got := ep.char.commands(); len(got) != 1 || got[0] != wire.CommandStartQuick {
		t.Fatalf("commands = %v", got)
	}

	st := c.State()
	if st.Status != StatusInProgress || !st.IsCalibrating || st.Phase != PhaseRequested || st.Type != TypeQuick {
		t.Fatalf("after start: %+v", st)
	}
	first := <-updates.C
	if first.Phase != PhaseRequested {
		t.Fatalf("first published phase = %s", first.Phase)
	}

	c.HandleProgress(wire.CalibrationProgress{State: DeviceStaticFlat, Progress: 20, Temperature: 30})
	st = c.State()
	if st.Phase != PhaseConfirmed || st.Progress != 20 || st.Temperature != 30 {
		t.Fatalf("after first notification: %+v", st)
	}
	if !strings.Contains(st.Instruction(), "flat") {
		t.Fatalf("instruction = %q", st.Instruction())
	}
}

func TestStartFullWritesCommand(t *testing.T) {
	c, ep := newTestController()
	if err := c.StartFull(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ep.char.commands(); got[0] != wire.CommandStartFull {
		t.Fatalf("commands = %v", got)
	}
	c.HandleProgress(wire.CalibrationProgress{State: DeviceStaticSide, Progress: 60, PositionIndex: 2})
	if ins := c.State().Instruction(); !strings.Contains(ins, "position 3 of 6") {
		t.Fatalf("instruction = %q", ins)
	}
}

func TestTerminalMapping(t *testing.T) {
	tests := []struct {
		state   uint8
		status  Status
		typ     Type
		errText string
	}{
		{DeviceQuickComplete, StatusCompleted, TypeQuick, ""},
		{DeviceFullComplete, StatusCompleted, TypeFull, ""},
		{DeviceFailed, StatusFailed, TypeQuick, "Calibration failed"},
	}
	for _, tt := range tests {
		c, _ := newTestController()
		if err := c.StartQuick(context.Background()); err != nil {
			t.Fatal(err)
		}
		c.HandleProgress(wire.CalibrationProgress{State: tt.state, Progress: 100})
		st := c.State()
		if st.IsCalibrating || st.Status != tt.status || st.Type != tt.typ || st.Error != tt.errText {
			t.Errorf("state %d: got %+v", tt.state, st)
		}
	}
}

func TestTerminalMappingFromIdle(t *testing.T) {
	tests := []struct {
		state   uint8
		status  Status
		errText string
	}{
		{DeviceQuickComplete, StatusCompleted, ""},
		{DeviceFullComplete, StatusCompleted, ""},
		{DeviceFailed, StatusFailed, "Calibration failed"},
	}
	for _, tt := range tests {
		c, _ := newTestController()
		c.HandleProgress(wire.CalibrationProgress{State: tt.state})
		st := c.State()
		if st.IsCalibrating || st.Status != tt.status || st.Error != tt.errText {
			t.Errorf("state %d from idle: got %+v", tt.state, st)
		}
	}
}

func TestTerminalAfterReconnect(t *testing.T) {
	c, _ := newTestController()
	if err := c.StartFull(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The link resets on disconnect; the device keeps calibrating.
	c.Reset()
	c.HandleProgress(wire.CalibrationProgress{State: DeviceFullComplete, Progress: 100})
	if st := c.State(); st.Status != StatusCompleted || st.Type != TypeFull || st.IsCalibrating {
		t.Fatalf("state = %+v", st)
	}
}

func TestMapDeviceState(t *testing.T) {
	for s := 0; s < 256; s++ {
		got := MapDeviceState(uint8(s))
		var want Status
		switch s {
		case 0:
			want = StatusIdle
		case 11, 15:
			want = StatusCompleted
		case 12:
			want = StatusFailed
		default:
			want = StatusInProgress
		}
		if got != want {
			t.Fatalf("MapDeviceState(%d) = %s, want %s", s, got, want)
		}
	}
}

func TestIsCalibratingFollowsStatus(t *testing.T) {
	c, _ := newTestController()
	for _, s := range []uint8{1, 2, 3, 4, 7, 0, 5, 11, 3, 12, 15} {
		c.HandleProgress(wire.CalibrationProgress{State: s})
		st := c.State()
		if st.IsCalibrating != (st.Status == StatusInProgress) {
			t.Fatalf("state %d: %+v", s, st)
		}
	}
}

func TestStartRequiresConnection(t *testing.T) {
	c, ep := newTestController()
	ep.err = &link.Error{Op: "calibration", Kind: link.ErrNotConnected}
	if err := c.StartQuick(context.Background()); !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.State().Status != StatusIdle {
		t.Fatalf("state changed without a connection: %+v", c.State())
	}

	ep.err = &link.Error{Op: "calibration", Kind: link.ErrCharacteristicNotFound}
	if err := c.StartFull(context.Background()); !errors.Is(err, link.ErrCharacteristicNotFound) {
		t.Fatalf("expected ErrCharacteristicNotFound, got %v", err)
	}
	st := c.State()
	if st.Status != StatusFailed || st.IsCalibrating || !strings.Contains(st.Error, "characteristic not found") {
		t.Fatalf("missing characteristic did not fail the run: %+v", st)
	}
}

func TestWriteFailureSetsFailed(t *testing.T) {
	c, ep := newTestController()
	ep.char.writeErr = errors.New("gatt write rejected")

	err := c.StartQuick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "gatt write rejected") {
		t.Fatalf("expected write error, got %v", err)
	}
	st := c.State()
	if st.Status != StatusFailed || st.IsCalibrating || !strings.Contains(st.Error, "gatt write rejected") {
		t.Fatalf("state = %+v", st)
	}
}

func TestAbort(t *testing.T) {
	c, ep := newTestController()

	// Idle: nothing written.
	if err := c.Abort(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ep.char.commands()) != 0 {
		t.Fatal("abort while idle wrote a command")
	}

	if err := c.StartQuick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if got := ep.char.commands(); got[len(got)-1] != wire.CommandAbort {
		t.Fatalf("commands = %v", got)
	}
	if st := c.State(); st != Idle() {
		t.Fatalf("after abort: %+v", st)
	}

	// The device reports the aborted run as failed afterwards.
	c.HandleProgress(wire.CalibrationProgress{State: DeviceFailed})
	if st := c.State(); st.Status != StatusIdle {
		t.Fatalf("stale failure applied after abort: %+v", st)
	}
	// Only that one answer is dropped.
	c.HandleProgress(wire.CalibrationProgress{State: DeviceFailed})
	if st := c.State(); st.Status != StatusFailed {
		t.Fatalf("later failure dropped: %+v", st)
	}
}

func TestAbortWriteFailure(t *testing.T) {
	c, ep := newTestController()
	if err := c.StartQuick(context.Background()); err != nil {
		t.Fatal(err)
	}
	ep.char.writeErr = errors.New("link lost")
	if err := c.Abort(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.State().Status != StatusFailed {
		t.Fatalf("state = %+v", c.State())
	}
}

func TestReset(t *testing.T) {
	c, _ := newTestController()
	if err := c.StartQuick(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.HandleProgress(wire.CalibrationProgress{State: DeviceStabilizing, Progress: 50})
	c.Reset()
	if st := c.State(); st != Idle() {
		t.Fatalf("after reset: %+v", st)
	}
}

func TestDeviceInitiatedCalibration(t *testing.T) {
	c, _ := newTestController()
	c.HandleProgress(wire.CalibrationProgress{State: DeviceStaticFlat, Progress: 10})
	c.HandleProgress(wire.CalibrationProgress{State: DeviceQuickComplete, Progress: 100})
	st := c.State()
	if st.Status != StatusCompleted || st.Progress != 100 {
		t.Fatalf("state = %+v", st)
	}
}
