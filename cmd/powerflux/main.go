// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Command powerflux receives, records and calibrates a PowerFlux motion
// sensor over Bluetooth Low Energy.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/powerflux/internal/app"
	"github.com/relabs-tech/powerflux/internal/config"
)

var version = "dev"

// globals are the flags shared by every command.
type globals struct {
	configPath string
	simulate   bool
}

// runtime loads the configuration, installs the logger and builds the link
// stack.
func (g *globals) runtime() (*app.Runtime, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg, os.Stderr)
	return app.NewRuntime(cfg, g.simulate, logger)
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "powerflux",
		Short: "PowerFlux motion sensor receiver",
		Long: `powerflux connects to a PowerFlux sensor over Bluetooth Low Energy,
fuses its accelerometer and gyroscope streams into an orientation,
records sessions into sqlite or postgres and drives the on-device
calibration.

Use --simulate to run against an in-process simulated sensor.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "configuration file (KEY=VALUE, or YAML for .yaml/.yml)")
	root.PersistentFlags().BoolVar(&g.simulate, "simulate", false, "use a simulated sensor instead of the Bluetooth radio")

	root.AddCommand(
		newScanCommand(g),
		newRecordCommand(g),
		newCalibrateCommand(g),
		newServeCommand(g),
		newRelayCommand(g),
		newConsoleCommand(g),
		newExportCommand(g),
		newSessionsCommand(g),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fang.Execute(ctx, newRootCommand()); err != nil {
		os.Exit(1)
	}
}
