// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/powerflux/internal/calibration"
	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/pubsub"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFeed stands in for the link.
type fakeFeed struct {
	samples *pubsub.Broadcaster[imu.SensorData]
	status  *pubsub.Broadcaster[link.Status]

	mu    sync.Mutex
	state link.State
	addr  string
	stats link.Stats
	scans int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		samples: pubsub.New[imu.SensorData](),
		status:  pubsub.New[link.Status](),
	}
}

func (f *fakeFeed) Samples(buf int) *pubsub.Subscription[imu.SensorData] {
	return f.samples.Subscribe(buf)
}

func (f *fakeFeed) StatusUpdates(buf int) *pubsub.Subscription[link.Status] {
	return f.status.Subscribe(buf)
}

func (f *fakeFeed) Stats() link.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeFeed) State() link.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) DeviceAddress() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

func (f *fakeFeed) StartScan(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	f.state = link.Scanning
	return nil
}

func (f *fakeFeed) Disconnect() error {
	f.mu.Lock()
	f.state = link.Disconnected
	f.addr = ""
	f.mu.Unlock()
	f.status.Publish(link.Status{State: link.Disconnected})
	return nil
}

func (f *fakeFeed) connect(addr string) {
	f.mu.Lock()
	f.state = link.Connected
	f.addr = addr
	f.mu.Unlock()
	f.status.Publish(link.Status{State: link.Connected, Device: addr})
}

// fakeCalibration records commands and publishes scripted states.
type fakeCalibration struct {
	updates *pubsub.Broadcaster[calibration.State]

	mu       sync.Mutex
	state    calibration.State
	commands []string
	err      error
}

func newFakeCalibration() *fakeCalibration {
	return &fakeCalibration{updates: pubsub.New[calibration.State](), state: calibration.Idle()}
}

func (c *fakeCalibration) State() calibration.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCalibration) Updates(buf int) *pubsub.Subscription[calibration.State] {
	return c.updates.Subscribe(buf)
}

func (c *fakeCalibration) command(name string, st calibration.State) error {
	c.mu.Lock()
	c.commands = append(c.commands, name)
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.state = st
	c.mu.Unlock()
	c.updates.Publish(st)
	return nil
}

func (c *fakeCalibration) StartQuick(context.Context) error {
	return c.command("quick", calibration.State{
		IsCalibrating: true, Status: calibration.StatusInProgress,
		Type: calibration.TypeQuick, Phase: calibration.PhaseRequested,
	})
}

func (c *fakeCalibration) StartFull(context.Context) error {
	return c.command("full", calibration.State{
		IsCalibrating: true, Status: calibration.StatusInProgress,
		Type: calibration.TypeFull, Phase: calibration.PhaseRequested,
	})
}

func (c *fakeCalibration) Abort(context.Context) error {
	return c.command("abort", calibration.Idle())
}

func (c *fakeCalibration) push(st calibration.State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.updates.Publish(st)
}

func (c *fakeCalibration) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// runPipeline starts p and waits until it has subscribed to feed.
func runPipeline(t *testing.T, p *Pipeline, feed *fakeFeed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, "pipeline subscribed", func() bool {
		return feed.samples.Len() > 0 && feed.status.Len() > 0
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// level is a sample of the device lying flat and still.
func level(ts uint32) imu.SensorData {
	return imu.SensorData{AccZ: 1, Timestamp: ts}
}
