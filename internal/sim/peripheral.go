// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sim is an in-process PowerFlux: it advertises, accepts one
// connection, streams synthetic motion on the accelerometer and gyroscope
// characteristics and runs the firmware calibration sequence. It implements
// the ble interfaces so the rest of the program cannot tell it from the
// radio.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/powerflux/internal/ble"
	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/wire"
)

var (
	ErrPoweredOff = errors.New("simulated adapter is powered off")
	ErrNoDevice   = errors.New("no simulated device at address")
)

// Options configures a Peripheral.
type Options struct {
	Name    string
	Address string
	// Period between samples; 20ms gives the firmware's 50 Hz.
	Period time.Duration
	// CalibrationStepTicks is the number of samples per calibration step.
	CalibrationStepTicks int
	GyroScale            float64
	// Source feeds the streamed samples; a Motion at GyroScale when nil.
	Source imu.Source
	Logger *slog.Logger
}

// DefaultOptions is a 50 Hz PowerFlux with one second calibration steps.
func DefaultOptions() Options {
	return Options{
		Name:                 ble.DeviceName,
		Address:              "C0:FF:EE:00:00:01",
		Period:               20 * time.Millisecond,
		CalibrationStepTicks: 50,
		GyroScale:            1.0 / 131.0,
	}
}

// Peripheral is the simulated device together with the adapter that
// reaches it.
type Peripheral struct {
	opts   Options
	log    *slog.Logger
	source imu.Source

	mu         sync.Mutex
	poweredOff bool
	scanStop   chan struct{}
	onDrop     func(string)
	conn       *connection
	calib      calibrator
}

// New creates a powered-on peripheral.
func New(opts Options) *Peripheral {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.Address == "" {
		opts.Address = def.Address
	}
	if opts.Period <= 0 {
		opts.Period = def.Period
	}
	if opts.CalibrationStepTicks <= 0 {
		opts.CalibrationStepTicks = def.CalibrationStepTicks
	}
	if opts.GyroScale == 0 {
		opts.GyroScale = def.GyroScale
	}
	if opts.Source == nil {
		opts.Source = NewMotion(opts.GyroScale)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peripheral{
		opts:   opts,
		log:    logger.With("component", "sim"),
		source: opts.Source,
		calib:  calibrator{stepTicks: opts.CalibrationStepTicks},
	}
}

// Address of the simulated device.
func (p *Peripheral) Address() string { return p.opts.Address }

// SetPoweredOff makes Enable fail, like a radio that is switched off.
func (p *Peripheral) SetPoweredOff(off bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poweredOff = off
}

// FailNextCalibration makes the next calibration end in the failed state.
func (p *Peripheral) FailNextCalibration() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calib.failNext = true
}

func (p *Peripheral) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.poweredOff {
		return ErrPoweredOff
	}
	return nil
}

// Scan reports the device every 100ms until StopScan.
func (p *Peripheral) Scan(fn func(ble.ScanResult)) error {
	p.mu.Lock()
	if p.poweredOff {
		p.mu.Unlock()
		return ErrPoweredOff
	}
	stop := make(chan struct{})
	p.scanStop = stop
	p.mu.Unlock()

	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		p.mu.Lock()
		advertising := p.conn == nil
		p.mu.Unlock()
		if advertising {
			fn(ble.ScanResult{Address: p.opts.Address, LocalName: p.opts.Name, RSSI: -48})
		}
		select {
		case <-stop:
			return nil
		case <-t.C:
		}
	}
}

func (p *Peripheral) StopScan() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanStop == nil {
		return errors.New("not scanning")
	}
	close(p.scanStop)
	p.scanStop = nil
	return nil
}

func (p *Peripheral) SetDisconnectHandler(fn func(address string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDrop = fn
}

// Connect opens the single connection and starts streaming.
func (p *Peripheral) Connect(ctx context.Context, address string) (ble.Device, error) {
	if !strings.EqualFold(address, p.opts.Address) {
		return nil, fmt.Errorf("%w %s", ErrNoDevice, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil, errors.New("simulated device already connected")
	}
	c := &connection{
		p:     p,
		chars: make(map[string]*characteristic),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, id := range ble.DefaultProfile().Characteristics() {
		c.chars[id] = &characteristic{conn: c, uuid: id}
	}
	p.conn = c
	p.calib.reset()
	go c.stream(p.opts.Period)
	p.log.Info("simulated device connected", "address", address)
	return c, nil
}

// Drop ends the connection from the device side, as if it went out of
// range.
func (p *Peripheral) Drop() {
	p.mu.Lock()
	c := p.conn
	fn := p.onDrop
	p.mu.Unlock()
	if c == nil {
		return
	}
	c.close()
	if fn != nil {
		fn(p.opts.Address)
	}
}

// Notify sends payload on characteristic uuid of the current connection.
func (p *Peripheral) Notify(uuid string, payload []byte) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return errors.New("simulated device not connected")
	}
	ch, ok := c.chars[strings.ToLower(uuid)]
	if !ok {
		return fmt.Errorf("unknown characteristic %s", uuid)
	}
	ch.notify(payload)
	return nil
}

// connection is one established link to the peripheral.
type connection struct {
	p     *Peripheral
	chars map[string]*characteristic

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (c *connection) Address() string { return c.p.opts.Address }

func (c *connection) DiscoverCharacteristics(service string, ids []string) (map[string]ble.Characteristic, error) {
	if !strings.EqualFold(service, ble.ServiceUUID) {
		return nil, fmt.Errorf("service %s not found", service)
	}
	out := make(map[string]ble.Characteristic, len(ids))
	for _, id := range ids {
		if ch, ok := c.chars[strings.ToLower(id)]; ok {
			out[id] = ch
		}
	}
	return out, nil
}

func (c *connection) Disconnect() error {
	c.close()
	return nil
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.stop)
		<-c.done
		c.p.mu.Lock()
		if c.p.conn == c {
			c.p.conn = nil
		}
		c.p.calib.reset()
		c.p.mu.Unlock()
		c.p.log.Info("simulated device disconnected")
	})
}

// stream emits one accelerometer and one gyroscope frame per period and
// advances the calibration sequence.
func (c *connection) stream(period time.Duration) {
	defer close(c.done)
	t := time.NewTicker(period)
	defer t.Stop()
	start := time.Now()
	accel := c.chars[ble.AccelCharUUID]
	gyro := c.chars[ble.GyroCharUUID]
	calib := c.chars[ble.CalibrationCharUUID]

	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
		}
		elapsed := time.Since(start)
		if s, err := c.p.source.Next(); err != nil {
			c.p.log.Warn("sample source", "err", err)
		} else {
			accel.notify(wire.EncodeAccelGyro(wire.AxisSample{X: float32(s.AccX), Y: float32(s.AccY), Z: float32(s.AccZ), TimestampMs: s.Timestamp}))
			gyro.notify(wire.EncodeAccelGyro(wire.AxisSample{X: float32(s.GyrX), Y: float32(s.GyrY), Z: float32(s.GyrZ), TimestampMs: s.Timestamp}))
		}

		c.p.mu.Lock()
		due := c.p.calib.tick()
		report := c.p.calib.report(temperature(elapsed))
		c.p.mu.Unlock()
		if due {
			calib.notify(wire.EncodeCalibrationProgress(report))
		}
	}
}

func temperature(elapsed time.Duration) float32 {
	return float32(31.5 + 0.5*math.Sin(elapsed.Seconds()/30))
}

type characteristic struct {
	conn *connection
	uuid string

	mu sync.Mutex
	fn func([]byte)
}

func (ch *characteristic) UUID() string { return ch.uuid }

func (ch *characteristic) EnableNotifications(fn func([]byte)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.fn = fn
	return nil
}

func (ch *characteristic) notify(b []byte) {
	ch.mu.Lock()
	fn := ch.fn
	ch.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

// Write accepts calibration commands on the calibration characteristic.
func (ch *characteristic) Write(b []byte) (int, error) {
	if ch.uuid != ble.CalibrationCharUUID {
		return 0, fmt.Errorf("characteristic %s is not writable", ch.uuid)
	}
	select {
	case <-ch.conn.stop:
		return 0, errors.New("simulated device not connected")
	default:
	}
	cmd, err := wire.DecodeCommand(b)
	if err != nil {
		return 0, err
	}

	p := ch.conn.p
	p.mu.Lock()
	due := p.calib.command(cmd)
	report := p.calib.report(temperature(0))
	p.mu.Unlock()
	p.log.Info("calibration command", "command", cmd)
	if due {
		ch.notify(wire.EncodeCalibrationProgress(report))
	}
	return len(b), nil
}

var (
	_ ble.Adapter        = (*Peripheral)(nil)
	_ ble.Device         = (*connection)(nil)
	_ ble.Characteristic = (*characteristic)(nil)
)
