// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/relabs-tech/powerflux/internal/ble"
	"github.com/relabs-tech/powerflux/internal/calibration"
	"github.com/relabs-tech/powerflux/internal/config"
	"github.com/relabs-tech/powerflux/internal/database"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/orientation"
	"github.com/relabs-tech/powerflux/internal/session"
	"github.com/relabs-tech/powerflux/internal/sim"
)

// Runtime holds the process wide components built from a configuration.
// Exactly one link exists per runtime.
type Runtime struct {
	Config      *config.Config
	Log         *slog.Logger
	Adapter     ble.Adapter
	Sim         *sim.Peripheral // nil on the radio
	Link        *link.Link
	Calibration *calibration.Controller
	Pipeline    *Pipeline

	// Set by OpenStore.
	DB    *gorm.DB
	Store *session.Store
}

// NewRuntime builds the link stack on the system radio, or on an
// in-process simulated device when simulate is set.
func NewRuntime(cfg *config.Config, simulate bool, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gyroScale, err := orientation.GyroScaleForRange(cfg.IMUGyroRange)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Log: logger}
	if simulate {
		opts := sim.DefaultOptions()
		if cfg.DeviceName != "" {
			opts.Name = cfg.DeviceName
		}
		if cfg.DeviceAddress != "" {
			opts.Address = cfg.DeviceAddress
		}
		opts.Period = cfg.SimInterval()
		opts.GyroScale = gyroScale
		opts.Logger = logger
		rt.Sim = sim.New(opts)
		rt.Adapter = rt.Sim
		logger.Info("using simulated PowerFlux", "address", rt.Sim.Address())
	} else {
		rt.Adapter = ble.NewRadio()
	}

	profile := ble.DefaultProfile()
	if cfg.DeviceName != "" {
		profile.DeviceName = cfg.DeviceName
	}
	rt.Link = link.New(rt.Adapter, link.Options{
		Profile:        profile,
		ScanTimeout:    cfg.ScanTimeout(),
		ConnectTimeout: cfg.ConnectTimeout(),
		QueueSize:      cfg.NotifyQueueSize,
		Reconnect:      cfg.Reconnect,
		Logger:         logger,
	})
	rt.Calibration = calibration.NewController(rt.Link, logger)
	rt.Link.AttachCalibration(rt.Calibration)

	rt.Pipeline = NewPipeline(rt.Link, nil, PipelineOptions{
		Filter: orientation.FilterConfig{
			Alpha:           cfg.FilterAlpha,
			GyroScale:       gyroScale,
			StaticTolerance: cfg.StaticTolerance,
		},
		StatsInterval: cfg.ConsoleInterval(),
		Logger:        logger,
	})
	return rt, nil
}

// OpenStore opens and migrates the database and attaches the session store
// to the pipeline.
func (rt *Runtime) OpenStore(ctx context.Context) error {
	if rt.Store != nil {
		return nil
	}
	db, err := database.Open(ctx, database.Config{
		Driver: rt.Config.DBDriver,
		DSN:    rt.Config.DBDSN,
		LogSQL: rt.Config.DBLogSQL,
	}, rt.Log)
	if err != nil {
		return err
	}
	if err := database.Migrate(db, rt.Log); err != nil {
		_ = database.Close(db)
		return err
	}
	rt.DB = db
	rt.Store = session.NewStore(db, session.Options{
		BatchSize:     rt.Config.SessionBatchSize,
		WriteInterval: rt.Config.SessionWriteInterval(),
		Logger:        rt.Log,
	})
	rt.Pipeline.SetRecorder(rt.Store)
	return nil
}

// Connect connects to the configured address, or scans for the configured
// name when there is none.
func (rt *Runtime) Connect(ctx context.Context) error {
	if addr := rt.Config.DeviceAddress; addr != "" {
		if err := rt.Adapter.Enable(); err != nil {
			return &link.Error{Op: "connect", Kind: link.ErrScan, Remediation: "turn Bluetooth on", Err: err}
		}
		return rt.Link.Connect(ctx, addr)
	}
	return rt.Link.ScanAndConnect(ctx)
}

// Close disconnects the link and flushes and closes the store.
func (rt *Runtime) Close() error {
	var errs []error
	if err := rt.Link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close link: %w", err))
	}
	rt.Calibration.Close()
	if rt.Store != nil {
		if err := rt.Store.Close(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		if err := database.Close(rt.DB); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
