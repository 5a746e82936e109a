// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package link owns the Bluetooth connection to one PowerFlux sensor:
// scanning, connecting, characteristic discovery, notification
// subscriptions and teardown. Accelerometer and gyroscope notifications are
// merged into complete imu.SensorData samples.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/powerflux/internal/ble"
	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/pubsub"
	"github.com/relabs-tech/powerflux/internal/wire"
)

// State of the connection.
type State int

const (
	Disconnected State = iota
	Scanning
	Connecting
	Discovering
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Discovering:
		return "discovering"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is published on every state change and on stream errors.
type Status struct {
	State    State  `json:"state"`
	Device   string `json:"device,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Err      error  `json:"-"`
}

// CalibrationSink receives decoded calibration notifications.
type CalibrationSink interface {
	HandleProgress(wire.CalibrationProgress)
	// Reset returns the sink to idle; called on disconnect.
	Reset()
}

// Options configures a Link.
type Options struct {
	Profile        ble.Profile
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// QueueSize bounds each characteristic's frame queue.
	QueueSize int
	// Reconnect restarts scanning after the peripheral drops the link.
	Reconnect bool
	// Permissions, when set, is checked before every scan.
	Permissions func(context.Context) error
	Logger      *slog.Logger
}

// DefaultOptions returns the reference timeouts for the PowerFlux profile.
func DefaultOptions() Options {
	return Options{
		Profile:        ble.DefaultProfile(),
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		QueueSize:      64,
	}
}

// Stats are running counters of the link.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Samples      uint64 `json:"samples"`
	QueueDrops   uint64 `json:"queueDrops"`
	DecodeErrors uint64 `json:"decodeErrors"`
	Overwritten  uint64 `json:"overwritten"`
}

// Link is the single connection to the sensor. One instance per process,
// created in the composition root and passed to its users.
type Link struct {
	adapter ble.Adapter
	opts    Options
	log     *slog.Logger

	mu            sync.Mutex
	state         State
	address       string
	device        ble.Device
	chars         map[string]ble.Characteristic
	streams       []*stream
	attemptCancel context.CancelFunc
	attemptDone   chan struct{}
	sink          CalibrationSink

	sampleMu   sync.Mutex
	lastSample *imu.SensorData

	merger  Merger
	samples *pubsub.Broadcaster[imu.SensorData]
	status  *pubsub.Broadcaster[Status]

	frames       atomic.Uint64
	sampleCount  atomic.Uint64
	queueDrops   atomic.Uint64
	decodeErrors atomic.Uint64
}

// New creates a disconnected link on adapter.
func New(adapter ble.Adapter, opts Options) *Link {
	def := DefaultOptions()
	if opts.Profile == (ble.Profile{}) {
		opts.Profile = def.Profile
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		adapter: adapter,
		opts:    opts,
		log:     logger.With("component", "link"),
		samples: pubsub.New[imu.SensorData](),
		status:  pubsub.New[Status](),
	}
	adapter.SetDisconnectHandler(l.handleDrop)
	return l
}

// AttachCalibration routes calibration notifications to sink.
func (l *Link) AttachCalibration(sink CalibrationSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Samples subscribes to merged samples.
func (l *Link) Samples(buf int) *pubsub.Subscription[imu.SensorData] {
	return l.samples.Subscribe(buf)
}

// StatusUpdates subscribes to state changes.
func (l *Link) StatusUpdates(buf int) *pubsub.Subscription[Status] {
	return l.status.Subscribe(buf)
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether the link is subscribed and ready.
func (l *Link) Connected() bool {
	return l.State() == Connected
}

// DeviceAddress returns the address of the connected or connecting device.
func (l *Link) DeviceAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

// LastSample returns the most recent merged sample, if any.
func (l *Link) LastSample() (imu.SensorData, bool) {
	l.sampleMu.Lock()
	defer l.sampleMu.Unlock()
	if l.lastSample == nil {
		return imu.SensorData{}, false
	}
	return *l.lastSample, true
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return Stats{
		Frames:       l.frames.Load(),
		Samples:      l.sampleCount.Load(),
		QueueDrops:   l.queueDrops.Load(),
		DecodeErrors: l.decodeErrors.Load(),
		Overwritten:  l.merger.Overwritten(),
	}
}

// CalibrationCharacteristic returns the resolved calibration endpoint.
func (l *Link) CalibrationCharacteristic() (ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connected {
		return nil, &Error{Op: "calibration", Kind: ErrNotConnected, Remediation: "connect to the sensor first"}
	}
	c, ok := l.chars[strings.ToLower(l.opts.Profile.Calibration)]
	if !ok {
		return nil, &Error{Op: "calibration", Kind: ErrCharacteristicNotFound, Err: fmt.Errorf("uuid %s", l.opts.Profile.Calibration)}
	}
	return c, nil
}

// StartScan begins looking for the configured device name and connects to
// the first match. It returns once the scan is running; progress is
// reported on StatusUpdates. Calling it while a scan or connection is in
// progress, or while connected, does nothing. ctx bounds the whole attempt.
func (l *Link) StartScan(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Disconnected {
		l.log.Debug("scan already in progress", "state", l.state)
		return nil
	}

	if l.opts.Permissions != nil {
		if err := l.opts.Permissions(ctx); err != nil {
			return &Error{Op: "scan", Kind: ErrPermissionDenied, Remediation: "grant Bluetooth access to this program", Err: err}
		}
	}
	if err := l.adapter.Enable(); err != nil {
		return &Error{Op: "scan", Kind: ErrScan, Remediation: "turn Bluetooth on and retry", Err: err}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.attemptCancel = cancel
	l.attemptDone = done
	l.setStateLocked(Status{State: Scanning})
	l.log.Info("scanning", "name", l.opts.Profile.DeviceName, "timeout", l.opts.ScanTimeout)

	go func() {
		defer close(done)
		defer cancel()
		l.runScan(attemptCtx)
	}()
	return nil
}

// ScanAndConnect scans, connects and waits until the link is connected or
// the attempt ends. A scan timeout yields ErrDeviceNotFound.
func (l *Link) ScanAndConnect(ctx context.Context) error {
	sub := l.status.Subscribe(16)
	defer sub.Close()

	if err := l.StartScan(ctx); err != nil {
		return err
	}
	if l.Connected() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-sub.C:
			if !ok {
				return &Error{Op: "connect", Kind: ErrConnection, Err: errors.New("link closed")}
			}
			switch {
			case st.State == Connected:
				return nil
			case st.State == Disconnected && st.Err != nil:
				return st.Err
			case st.State == Disconnected && st.TimedOut:
				return &Error{Op: "scan", Kind: ErrDeviceNotFound, Remediation: "make sure the sensor is on and nearby"}
			case st.State == Disconnected:
				return &Error{Op: "scan", Kind: ErrConnection, Err: errors.New("attempt cancelled")}
			}
		}
	}
}

// WaitConnected blocks until the link is connected, ctx ends or the current
// attempt fails.
func (l *Link) WaitConnected(ctx context.Context) error {
	sub := l.status.Subscribe(16)
	defer sub.Close()
	if l.Connected() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-sub.C:
			if !ok {
				return &Error{Op: "wait", Kind: ErrNotConnected}
			}
			if st.State == Connected {
				return nil
			}
			if st.State == Disconnected && st.Err != nil {
				return st.Err
			}
		}
	}
}

func (l *Link) runScan(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, l.opts.ScanTimeout)
	defer cancel()

	name := l.opts.Profile.DeviceName
	found := make(chan string, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- l.adapter.Scan(func(r ble.ScanResult) {
			if r.LocalName != name {
				return
			}
			select {
			case found <- r.Address:
				l.log.Info("device found", "address", r.Address, "rssi", r.RSSI)
				if err := l.adapter.StopScan(); err != nil {
					l.log.Warn("stop scan", "err", err)
				}
			default:
			}
		})
	}()

	var err error
	select {
	case err = <-scanErr:
	case <-scanCtx.Done():
		err = l.stopScan(scanErr)
	}

	// The scan has fully stopped here; scanning and connecting never overlap.
	select {
	case addr := <-found:
		if ctx.Err() != nil {
			l.setState(Status{State: Disconnected})
			return
		}
		l.setState(Status{State: Connecting, Device: addr})
		if err := l.connect(ctx, addr); err != nil {
			l.log.Debug("connect after scan", "err", err)
		}
		return
	default:
	}

	switch {
	case err != nil:
		l.log.Error("scan failed", "err", err)
		l.setState(Status{State: Disconnected, Err: &Error{Op: "scan", Kind: ErrScan, Remediation: "check the Bluetooth adapter", Err: err}})
	case ctx.Err() == nil && errors.Is(scanCtx.Err(), context.DeadlineExceeded):
		l.log.Info("scan timed out, device not found", "name", name)
		l.setState(Status{State: Disconnected, TimedOut: true})
	default:
		l.setState(Status{State: Disconnected})
	}
}

// stopScan stops the radio scan and waits for Scan to return. StopScan can
// race the start of Scan, so it is repeated until Scan has returned.
func (l *Link) stopScan(scanErr <-chan error) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if err := l.adapter.StopScan(); err != nil {
			l.log.Debug("stop scan", "err", err)
		}
		select {
		case err := <-scanErr:
			return err
		case <-t.C:
		}
	}
}

// Connect connects directly to a known address, skipping the scan.
func (l *Link) Connect(ctx context.Context, address string) error {
	l.mu.Lock()
	if l.state != Disconnected {
		l.mu.Unlock()
		return nil
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.attemptCancel = cancel
	l.attemptDone = done
	l.setStateLocked(Status{State: Connecting, Device: address})
	l.mu.Unlock()

	defer close(done)
	defer cancel()
	return l.connect(attemptCtx, address)
}

// connect runs with the state already set to Connecting.
func (l *Link) connect(ctx context.Context, address string) error {
	cctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	dev, err := l.adapter.Connect(cctx, address)
	if err != nil {
		return l.failConnect(ctx, nil, &Error{Op: "connect", Kind: ErrConnection, Remediation: "move closer to the sensor and reconnect", Err: err})
	}

	l.setState(Status{State: Discovering, Device: address})
	chars, err := dev.DiscoverCharacteristics(l.opts.Profile.Service, l.opts.Profile.Characteristics())
	if err != nil {
		return l.failConnect(ctx, dev, &Error{Op: "discover", Kind: ErrConnection, Err: err})
	}
	if ctx.Err() != nil {
		return l.failConnect(ctx, dev, &Error{Op: "connect", Kind: ErrConnection, Err: ctx.Err()})
	}

	norm := make(map[string]ble.Characteristic, len(chars))
	for id, c := range chars {
		norm[strings.ToLower(id)] = c
	}

	l.mu.Lock()
	l.device = dev
	l.chars = norm
	l.mu.Unlock()

	l.subscribe(norm)

	l.mu.Lock()
	if l.device != dev {
		// Disconnect won the race while we were subscribing.
		l.mu.Unlock()
		return &Error{Op: "connect", Kind: ErrConnection, Err: errors.New("disconnected during setup")}
	}
	l.setStateLocked(Status{State: Connected, Device: address})
	l.mu.Unlock()
	l.log.Info("connected", "address", address, "characteristics", len(norm))
	return nil
}

// failConnect releases a half-open connection. A cancelled attempt is
// reported as a plain disconnect.
func (l *Link) failConnect(ctx context.Context, dev ble.Device, err error) error {
	l.mu.Lock()
	l.device = nil
	l.chars = nil
	l.address = ""
	l.mu.Unlock()
	if dev != nil {
		if derr := dev.Disconnect(); derr != nil {
			l.log.Warn("disconnect after failed setup", "err", derr)
		}
	}
	st := Status{State: Disconnected, Err: err}
	if ctx.Err() != nil {
		st.Err = nil
		l.log.Info("connection attempt cancelled")
	} else {
		l.log.Error("connection failed", "err", err)
	}
	l.setState(st)
	return err
}

// subscribe enables the three notification streams. A failure on one
// stream is reported and leaves the others running.
func (l *Link) subscribe(chars map[string]ble.Characteristic) {
	p := l.opts.Profile
	specs := []struct {
		name   string
		uuid   string
		handle func([]byte)
	}{
		{"accelerometer", p.Accel, l.handleAccel},
		{"gyroscope", p.Gyro, l.handleGyro},
		{"calibration", p.Calibration, l.handleCalibration},
	}

	for _, sp := range specs {
		char, ok := chars[strings.ToLower(sp.uuid)]
		if !ok {
			err := &Error{Op: "subscribe " + sp.name, Kind: ErrCharacteristicNotFound, Err: fmt.Errorf("uuid %s", sp.uuid)}
			l.log.Error("characteristic missing", "stream", sp.name, "uuid", sp.uuid)
			l.status.Publish(Status{State: l.State(), Device: l.DeviceAddress(), Err: err})
			continue
		}
		s := newStream(sp.name, char, l.opts.QueueSize, &l.queueDrops, sp.handle)
		if err := char.EnableNotifications(func(b []byte) {
			l.frames.Add(1)
			s.push(b)
		}); err != nil {
			s.stop()
			l.log.Error("subscribe failed", "stream", sp.name, "err", err)
			l.status.Publish(Status{State: l.State(), Device: l.DeviceAddress(), Err: &Error{Op: "subscribe " + sp.name, Kind: ErrConnection, Err: err}})
			continue
		}
		l.mu.Lock()
		l.streams = append(l.streams, s)
		l.mu.Unlock()
		l.log.Debug("subscribed", "stream", sp.name)
	}
}

func (l *Link) handleAccel(b []byte) {
	s, err := wire.DecodeAccelGyro(b)
	if err != nil {
		l.decodeErrors.Add(1)
		l.log.Warn("accelerometer frame", "err", err)
		return
	}
	if !s.Finite() {
		l.decodeErrors.Add(1)
		l.log.Warn("accelerometer frame not finite", "x", s.X, "y", s.Y, "z", s.Z)
		return
	}
	if sample, ok := l.merger.PutAccel(s); ok {
		l.emit(sample)
	}
}

func (l *Link) handleGyro(b []byte) {
	s, err := wire.DecodeAccelGyro(b)
	if err != nil {
		l.decodeErrors.Add(1)
		l.log.Warn("gyroscope frame", "err", err)
		return
	}
	if !s.Finite() {
		l.decodeErrors.Add(1)
		l.log.Warn("gyroscope frame not finite", "x", s.X, "y", s.Y, "z", s.Z)
		return
	}
	if sample, ok := l.merger.PutGyro(s); ok {
		l.emit(sample)
	}
}

func (l *Link) handleCalibration(b []byte) {
	p, err := wire.DecodeCalibrationProgress(b)
	if err != nil {
		l.decodeErrors.Add(1)
		l.log.Warn("calibration frame", "err", err)
		return
	}
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink.HandleProgress(p)
	}
}

func (l *Link) emit(s imu.SensorData) {
	l.sampleMu.Lock()
	l.lastSample = &s
	l.sampleMu.Unlock()
	l.sampleCount.Add(1)
	l.samples.Publish(s)
}

// Disconnect cancels any scan or connection attempt, unsubscribes every
// stream, closes the connection and resets the in-memory state. It is a
// no-op when already disconnected. Teardown errors are returned, but the
// link always ends up Disconnected.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	cancel, done := l.attemptCancel, l.attemptDone
	l.attemptCancel, l.attemptDone = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return l.teardown(Status{State: Disconnected}, "disconnect")
}

func (l *Link) teardown(final Status, op string) error {
	l.mu.Lock()
	if l.device == nil && len(l.streams) == 0 && l.state == Disconnected {
		l.mu.Unlock()
		return nil
	}
	streams := l.streams
	dev := l.device
	sink := l.sink
	l.streams = nil
	l.device = nil
	l.chars = nil
	// Cleared first so the disconnect callback fired by dev.Disconnect is
	// not mistaken for a dropped link.
	l.address = ""
	l.mu.Unlock()

	var errs []error
	// Unsubscribe before closing the connection so no callback fires into
	// torn down state.
	for _, s := range streams {
		if err := s.char.EnableNotifications(nil); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", s.name, err))
		}
		s.stop()
	}
	if dev != nil {
		if err := dev.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	l.merger.Reset()
	l.sampleMu.Lock()
	l.lastSample = nil
	l.sampleMu.Unlock()
	if sink != nil {
		sink.Reset()
	}

	err := errors.Join(errs...)
	if err != nil {
		l.log.Error("teardown errors", "op", op, "err", err)
		if final.Err == nil {
			final.Err = &Error{Op: op, Kind: ErrConnection, Err: err}
		}
	}
	l.setState(final)
	l.log.Info("disconnected", "op", op)
	return err
}

// handleDrop runs when the peripheral goes away without Disconnect.
func (l *Link) handleDrop(address string) {
	l.mu.Lock()
	current := l.address
	state := l.state
	l.mu.Unlock()
	if state != Connected || !strings.EqualFold(current, address) {
		return
	}

	go func() {
		l.log.Warn("connection lost", "address", address)
		lost := &Error{Op: "link", Kind: ErrConnection, Remediation: "reconnect to the sensor", Err: errors.New("connection lost")}
		if err := l.teardown(Status{State: Disconnected, Device: address, Err: lost}, "drop"); err != nil {
			l.log.Debug("teardown after drop", "err", err)
		}
		if l.opts.Reconnect {
			if err := l.StartScan(context.Background()); err != nil {
				l.log.Error("reconnect scan", "err", err)
			}
		}
	}()
}

// Close disconnects and closes all subscriptions.
func (l *Link) Close() error {
	err := l.Disconnect()
	l.samples.Close()
	l.status.Close()
	return err
}

func (l *Link) setState(st Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(st)
}

func (l *Link) setStateLocked(st Status) {
	l.state = st.State
	switch {
	case st.State == Disconnected:
		l.address = ""
	case st.Device != "":
		l.address = st.Device
	default:
		st.Device = l.address
	}
	l.status.Publish(st)
}
