// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/orientation"
	"github.com/relabs-tech/powerflux/internal/pubsub"
	"github.com/relabs-tech/powerflux/internal/session"
)

// ErrAlreadyRecording is returned when a second recording is started.
var ErrAlreadyRecording = errors.New("a session is already being recorded")

// Frame is one merged sample after fusion, as published to consumers.
type Frame struct {
	Sample      imu.SensorData       `json:"sample"`
	Orientation orientation.Estimate `json:"orientation"` // radians
	Linear      [3]float64           `json:"linear"`      // gravity removed, g
}

// SampleFeed is the part of the link the pipeline reads from.
type SampleFeed interface {
	Samples(buf int) *pubsub.Subscription[imu.SensorData]
	StatusUpdates(buf int) *pubsub.Subscription[link.Status]
	Stats() link.Stats
}

// Recorder persists samples of a session.
type Recorder interface {
	StoreMeasurement(ctx context.Context, sessionID string, d imu.SensorData) error
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Filter orientation.FilterConfig
	// StatsInterval is the period of the tick log line; zero disables it.
	StatsInterval time.Duration
	Logger        *slog.Logger
}

// Pipeline runs every merged sample through the orientation filter and the
// gravity compensator, republishes the result as a Frame and, while a
// session is being recorded, stores the raw sample.
type Pipeline struct {
	feed       SampleFeed
	recorder   Recorder
	filter     *orientation.Filter
	log        *slog.Logger
	statsEvery time.Duration
	frames     *pubsub.Broadcaster[Frame]

	mu        sync.Mutex
	latest    *Frame
	sessionID string
	recorded  uint64
	storeErrs uint64
}

// NewPipeline creates a pipeline on feed. recorder may be nil when nothing
// is recorded.
func NewPipeline(feed SampleFeed, recorder Recorder, opts PipelineOptions) *Pipeline {
	if opts.Filter == (orientation.FilterConfig{}) {
		opts.Filter = orientation.DefaultFilterConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		feed:       feed,
		recorder:   recorder,
		filter:     orientation.NewFilter(opts.Filter),
		log:        logger.With("component", "pipeline"),
		statsEvery: opts.StatsInterval,
		frames:     pubsub.New[Frame](),
	}
}

// Frames subscribes to processed frames.
func (p *Pipeline) Frames(buf int) *pubsub.Subscription[Frame] {
	return p.frames.Subscribe(buf)
}

// Latest returns the most recent frame since the link connected.
func (p *Pipeline) Latest() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Frame{}, false
	}
	return *p.latest, true
}

// SetRecorder replaces the recorder used for later recordings.
func (p *Pipeline) SetRecorder(r Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
}

// StartRecording stores every following sample under sessionID.
func (p *Pipeline) StartRecording(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recorder == nil {
		return errors.New("pipeline has no recorder")
	}
	if p.sessionID != "" {
		return ErrAlreadyRecording
	}
	p.sessionID = sessionID
	p.recorded = 0
	p.storeErrs = 0
	return nil
}

// StopRecording stops storing samples and returns how many were handed to
// the recorder.
func (p *Pipeline) StopRecording() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.recorded
	p.sessionID = ""
	return n
}

// Recording returns the session being recorded, or "".
func (p *Pipeline) Recording() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Run processes samples until ctx is cancelled or the link closes.
func (p *Pipeline) Run(ctx context.Context) error {
	samples := p.feed.Samples(256)
	defer samples.Close()
	status := p.feed.StatusUpdates(16)
	defer status.Close()
	defer p.frames.Close()

	var tick <-chan time.Time
	if p.statsEvery > 0 {
		t := time.NewTicker(p.statsEvery)
		defer t.Stop()
		tick = t.C
	}

	statusC := status.C
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-samples.C:
			if !ok {
				return nil
			}
			p.process(ctx, s)
		case st, ok := <-statusC:
			if !ok {
				statusC = nil
				continue
			}
			if st.State == link.Disconnected {
				// Device timestamps restart with the next connection.
				p.filter.Reset()
				p.mu.Lock()
				p.latest = nil
				p.mu.Unlock()
			}
		case <-tick:
			p.logStats()
		}
	}
}

func (p *Pipeline) process(ctx context.Context, s imu.SensorData) {
	if !s.Finite() {
		// One NaN would stick in the filter state.
		p.log.Warn("non-finite sample dropped", "timestamp", s.Timestamp)
		return
	}
	est := p.filter.Update(s.Accel(), s.Gyro(), s.Timestamp)
	lin := orientation.RemoveGravity(s.Accel())
	f := Frame{
		Sample:      s,
		Orientation: est,
		Linear:      [3]float64{lin.X, lin.Y, lin.Z},
	}

	p.mu.Lock()
	p.latest = &f
	sessionID, recorder := p.sessionID, p.recorder
	p.mu.Unlock()

	p.frames.Publish(f)

	if sessionID == "" {
		return
	}
	err := recorder.StoreMeasurement(ctx, sessionID, s)
	late := errors.Is(err, session.ErrSessionEnded) || errors.Is(err, session.ErrSessionNotFound)
	p.mu.Lock()
	if err != nil && !late {
		p.storeErrs++
	} else if err == nil && p.sessionID == sessionID {
		p.recorded++
	}
	p.mu.Unlock()
	switch {
	case late:
		// A sample in flight while the recording stopped or the session
		// was deleted.
		p.log.Debug("sample after session end dropped", "session", sessionID)
	case err != nil:
		p.log.Error("store measurement failed", "session", sessionID, "error", err)
	}
}

func (p *Pipeline) logStats() {
	st := p.feed.Stats()
	f, ok := p.Latest()
	if !ok {
		p.log.Info("tick: no data", "frames", st.Frames, "samples", st.Samples)
		return
	}
	deg := f.Orientation.Degrees()
	p.mu.Lock()
	recorded, storeErrs := p.recorded, p.storeErrs
	p.mu.Unlock()
	p.log.Info("tick",
		"roll", deg.Roll, "pitch", deg.Pitch, "yaw", deg.Yaw,
		"acc_mag", f.Sample.AccelMagnitude(),
		"samples", st.Samples,
		"queue_drops", st.QueueDrops,
		"decode_errors", st.DecodeErrors,
		"overwritten", st.Overwritten,
		"recorded", recorded,
		"store_errors", storeErrs,
	)
}
