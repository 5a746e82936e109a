// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/session"
)

type fakeRecorder struct {
	mu     sync.Mutex
	stored map[string][]imu.SensorData
	err    error
}

func (r *fakeRecorder) StoreMeasurement(_ context.Context, id string, d imu.SensorData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.stored == nil {
		r.stored = make(map[string][]imu.SensorData)
	}
	r.stored[id] = append(r.stored[id], d)
	return nil
}

func (r *fakeRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stored[id])
}

func nextFrame(t *testing.T, c <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-c:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return Frame{}
	}
}

func TestPipelinePublishesFusedFrames(t *testing.T) {
	feed := newFakeFeed()
	p := NewPipeline(feed, nil, PipelineOptions{Logger: quiet()})
	frames := p.Frames(16)
	runPipeline(t, p, feed)

	if _, ok := p.Latest(); ok {
		t.Fatal("latest before any sample")
	}

	feed.samples.Publish(imu.SensorData{AccX: 1, AccZ: 1, Timestamp: 100})
	f := nextFrame(t, frames.C)
	if f.Sample.Timestamp != 100 {
		t.Fatalf("sample = %+v", f.Sample)
	}
	// |acc| is 1.41, outside the gravity window: passthrough.
	if f.Linear != [3]float64{1, 0, 1} {
		t.Fatalf("linear = %v", f.Linear)
	}

	// Rotating around Z at 131 raw units is 1 rad/s.
	feed.samples.Publish(imu.SensorData{AccZ: 1, GyrZ: 131, Timestamp: 600})
	f = nextFrame(t, frames.C)
	if math.Abs(f.Orientation.Yaw-0.5) > 1e-9 {
		t.Fatalf("yaw = %f", f.Orientation.Yaw)
	}
	if f.Linear != [3]float64{0, 0, 0} {
		t.Fatalf("gravity not removed: %v", f.Linear)
	}
	latest, ok := p.Latest()
	if !ok || latest.Sample.Timestamp != 600 {
		t.Fatalf("latest = %+v %v", latest, ok)
	}
}

func TestPipelineResetsOnDisconnect(t *testing.T) {
	feed := newFakeFeed()
	p := NewPipeline(feed, nil, PipelineOptions{Logger: quiet()})
	frames := p.Frames(16)
	runPipeline(t, p, feed)

	feed.samples.Publish(level(1000))
	nextFrame(t, frames.C)
	feed.samples.Publish(imu.SensorData{AccZ: 1, GyrZ: 131, Timestamp: 2000})
	if f := nextFrame(t, frames.C); f.Orientation.Yaw == 0 {
		t.Fatal("yaw did not move")
	}

	feed.status.Publish(link.Status{State: link.Disconnected})
	waitFor(t, "latest cleared", func() bool {
		_, ok := p.Latest()
		return !ok
	})

	// A new connection starts its clock at zero; the first sample anchors.
	feed.samples.Publish(level(5))
	if f := nextFrame(t, frames.C); f.Orientation.Yaw != 0 {
		t.Fatalf("filter not reset: %+v", f.Orientation)
	}
}

func TestPipelineRecording(t *testing.T) {
	feed := newFakeFeed()
	rec := &fakeRecorder{}
	p := NewPipeline(feed, rec, PipelineOptions{Logger: quiet()})
	frames := p.Frames(16)
	runPipeline(t, p, feed)

	feed.samples.Publish(level(1))
	nextFrame(t, frames.C)

	if err := p.StartRecording("s1"); err != nil {
		t.Fatal(err)
	}
	if err := p.StartRecording("s2"); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second recording: %v", err)
	}
	if p.Recording() != "s1" {
		t.Fatalf("recording %q", p.Recording())
	}
	for ts := uint32(2); ts <= 4; ts++ {
		feed.samples.Publish(level(ts))
		nextFrame(t, frames.C)
	}
	waitFor(t, "samples stored", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.recorded == 3
	})

	if n := p.StopRecording(); n != 3 {
		t.Fatalf("StopRecording = %d", n)
	}
	feed.samples.Publish(level(5))
	nextFrame(t, frames.C)
	time.Sleep(10 * time.Millisecond)
	if rec.count("s1") != 3 {
		t.Fatalf("stored after stop: %d", rec.count("s1"))
	}
}

func TestPipelineWithoutRecorder(t *testing.T) {
	p := NewPipeline(newFakeFeed(), nil, PipelineOptions{Logger: quiet()})
	if err := p.StartRecording("s1"); err == nil {
		t.Fatal("recording without a recorder")
	}
}

func TestPipelineStoreErrorsKeepFlowing(t *testing.T) {
	feed := newFakeFeed()
	rec := &fakeRecorder{err: errors.New("disk full")}
	p := NewPipeline(feed, rec, PipelineOptions{Logger: quiet()})
	frames := p.Frames(16)
	runPipeline(t, p, feed)

	if err := p.StartRecording("gone"); err != nil {
		t.Fatal(err)
	}
	feed.samples.Publish(level(1))
	feed.samples.Publish(level(2))
	nextFrame(t, frames.C)
	if f := nextFrame(t, frames.C); f.Sample.Timestamp != 2 {
		t.Fatalf("frame = %+v", f)
	}
	if n := p.StopRecording(); n != 0 {
		t.Fatalf("recorded = %d", n)
	}
}

func TestPipelineDropsNonFiniteSamples(t *testing.T) {
	feed := newFakeFeed()
	rec := &fakeRecorder{}
	p := NewPipeline(feed, rec, PipelineOptions{Logger: quiet()})
	frames := p.Frames(16)
	runPipeline(t, p, feed)
	if err := p.StartRecording("s1"); err != nil {
		t.Fatal(err)
	}

	feed.samples.Publish(level(1))
	nextFrame(t, frames.C)
	feed.samples.Publish(imu.SensorData{AccZ: 1, GyrZ: math.NaN(), Timestamp: 2})
	feed.samples.Publish(imu.SensorData{AccZ: 1, GyrZ: 131, Timestamp: 501})

	f := nextFrame(t, frames.C)
	if f.Sample.Timestamp != 501 {
		t.Fatalf("non-finite sample published: %+v", f.Sample)
	}
	if math.IsNaN(f.Orientation.Yaw) || math.Abs(f.Orientation.Yaw-0.5) > 1e-9 {
		t.Fatalf("yaw = %f", f.Orientation.Yaw)
	}
	waitFor(t, "samples stored", func() bool { return rec.count("s1") == 2 })
}

func TestPipelineLateSampleAfterDelete(t *testing.T) {
	feed := newFakeFeed()
	rec := &fakeRecorder{err: fmt.Errorf("s1: %w", session.ErrSessionNotFound)}
	p := NewPipeline(feed, rec, PipelineOptions{Logger: quiet()})
	frames := p.Frames(16)
	runPipeline(t, p, feed)
	if err := p.StartRecording("s1"); err != nil {
		t.Fatal(err)
	}
	// Samples are handled in order: once the second frame is out, the
	// first store has returned.
	feed.samples.Publish(level(1))
	feed.samples.Publish(level(2))
	nextFrame(t, frames.C)
	nextFrame(t, frames.C)
	p.mu.Lock()
	errs := p.storeErrs
	p.mu.Unlock()
	if errs != 0 {
		t.Fatalf("store errors = %d", errs)
	}
}
