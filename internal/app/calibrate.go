// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relabs-tech/powerflux/internal/calibration"
)

var (
	ErrCalibrationAborted = errors.New("calibration aborted")
	ErrCalibrationReset   = errors.New("calibration reset, device disconnected")
)

// CalibrationRecord is written after a completed calibration.
type CalibrationRecord struct {
	Version     int              `json:"version"`
	Device      string           `json:"device"`
	Type        calibration.Type `json:"type"`
	CompletedAt time.Time        `json:"completed_at"`
	DurationSec float64          `json:"duration_sec"`
	Temperature float32          `json:"temperature"`
}

// CalibrateOptions configures RunCalibrate.
type CalibrateOptions struct {
	Full   bool
	Device string
	// ResultDir receives the JSON record of a completed run; "" skips it.
	ResultDir string
	// In is read line by line; "a" or "abort" aborts the run.
	In  io.Reader
	Out io.Writer
}

// RunCalibrate drives one guided calibration on the console and returns the
// final state. The device advances through the steps on its own; the user
// follows the printed instructions.
func RunCalibrate(ctx context.Context, ctrl CalibrationControl, opts CalibrateOptions) (calibration.State, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	kind, steps := "quick", "flat, rotate 90°, side"
	start := ctrl.StartQuick
	if opts.Full {
		kind, steps = "full", fmt.Sprintf("%d static positions", calibration.FullCalibrationSteps)
		start = ctrl.StartFull
	}

	fmt.Fprintf(out, "=== PowerFlux %s calibration (%s) ===\n", kind, steps)
	fmt.Fprintln(out, "Follow the instructions below. Type 'a' and ENTER to abort.")
	fmt.Fprintln(out)

	updates := ctrl.Updates(64)
	defer updates.Close()

	began := time.Now()
	if err := start(ctx); err != nil {
		return ctrl.State(), err
	}

	abortCh := make(chan struct{}, 1)
	if opts.In != nil {
		go watchAbort(opts.In, abortCh)
	}

	var lastInstruction string
	lastBucket := -1
	for {
		select {
		case <-ctx.Done():
			// The caller's context is gone; abort on a fresh one.
			abortCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = ctrl.Abort(abortCtx)
			cancel()
			return ctrl.State(), ctx.Err()

		case <-abortCh:
			if err := ctrl.Abort(ctx); err != nil {
				return ctrl.State(), err
			}
			fmt.Fprintln(out, "\nCalibration aborted.")
			return ctrl.State(), ErrCalibrationAborted

		case st, ok := <-updates.C:
			if !ok {
				return ctrl.State(), ErrCalibrationReset
			}
			switch st.Status {
			case calibration.StatusCompleted:
				fmt.Fprintf(out, "\nCalibration complete (%s).\n", st.Type)
				if opts.ResultDir != "" {
					rec := CalibrationRecord{
						Version:     1,
						Device:      opts.Device,
						Type:        st.Type,
						CompletedAt: time.Now(),
						DurationSec: time.Since(began).Seconds(),
						Temperature: st.Temperature,
					}
					name, err := writeCalibrationRecord(opts.ResultDir, rec)
					if err != nil {
						return st, err
					}
					fmt.Fprintf(out, "Wrote: %s\n", name)
				}
				return st, nil

			case calibration.StatusFailed:
				fmt.Fprintf(out, "\nCalibration failed: %s\n", st.Error)
				return st, errors.New(st.Error)

			case calibration.StatusIdle:
				return st, ErrCalibrationReset
			}

			if ins := st.Instruction(); ins != "" && ins != lastInstruction {
				lastInstruction = ins
				fmt.Fprintf(out, "-> %s\n", ins)
			}
			if bucket := int(st.Progress) / 10; bucket != lastBucket {
				lastBucket = bucket
				fmt.Fprintf(out, "   progress %3d%%  (%.1f°C)\n", st.Progress, st.Temperature)
			}
		}
	}
}

func watchAbort(in io.Reader, abortCh chan<- struct{}) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "a", "abort":
			select {
			case abortCh <- struct{}{}:
			default:
			}
			return
		}
	}
}

func writeCalibrationRecord(dir string, rec CalibrationRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ts := rec.CompletedAt.Format("2006-01-02T15-04-05Z07-00")
	name := filepath.Join(dir, fmt.Sprintf("%s_%s_calibration.json", rec.Type, ts))

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(name, b, 0o644); err != nil {
		return "", err
	}
	return name, nil
}
