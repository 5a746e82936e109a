// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/relabs-tech/powerflux/internal/imu"
)

// Subscriber registers a callback for a topic.
type Subscriber interface {
	Subscribe(topic string, fn func(topic string, payload []byte)) error
}

// RunConsole prints every relay message on out until ctx is cancelled.
func RunConsole(ctx context.Context, sub Subscriber, topics Topics, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "console")

	var mu sync.Mutex
	handle := func(topic string, payload []byte) {
		line, err := formatMessage(topics, topic, payload)
		if err != nil {
			log.Warn("unreadable message", "topic", topic, "error", err)
			return
		}
		mu.Lock()
		fmt.Fprintln(out, line)
		mu.Unlock()
	}

	for _, topic := range []string{topics.Status, topics.Calibration, topics.Orientation, topics.Sample} {
		if topic == "" {
			continue
		}
		if err := sub.Subscribe(topic, handle); err != nil {
			return err
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// formatMessage renders one relay message as a console line.
func formatMessage(topics Topics, topic string, payload []byte) (string, error) {
	switch topic {
	case topics.Sample:
		var s imu.SensorData
		if err := json.Unmarshal(payload, &s); err != nil {
			return "", fmt.Errorf("sample: %w", err)
		}
		return fmt.Sprintf(
			"[SAMP] t=%8d  ax=%7.3f ay=%7.3f az=%7.3f  gx=%8.2f gy=%8.2f gz=%8.2f  |a|=%.3f",
			s.Timestamp, s.AccX, s.AccY, s.AccZ, s.GyrX, s.GyrY, s.GyrZ, s.AccelMagnitude(),
		), nil

	case topics.Orientation:
		var o OrientationMessage
		if err := json.Unmarshal(payload, &o); err != nil {
			return "", fmt.Errorf("orientation: %w", err)
		}
		return fmt.Sprintf(
			"[POSE] ROLL=%7.2f  PITCH=%7.2f  YAW=%7.2f  lin=(%6.3f, %6.3f, %6.3f)",
			o.Roll, o.Pitch, o.Yaw, o.Linear[0], o.Linear[1], o.Linear[2],
		), nil

	case topics.Calibration:
		var c CalibrationMessage
		if err := json.Unmarshal(payload, &c); err != nil {
			return "", fmt.Errorf("calibration: %w", err)
		}
		line := fmt.Sprintf("[CAL ] status=%s type=%s progress=%3d%% device_state=%d temp=%.1f°C",
			c.Status, c.Type, c.Progress, c.DeviceState, c.Temperature)
		if c.Error != "" {
			line += " error=" + c.Error
		}
		if c.Instruction != "" {
			line += "  > " + c.Instruction
		}
		return line, nil

	case topics.Status:
		var s StatusMessage
		if err := json.Unmarshal(payload, &s); err != nil {
			return "", fmt.Errorf("status: %w", err)
		}
		line := "[LINK] " + s.State
		if s.Device != "" {
			line += " device=" + s.Device
		}
		if s.TimedOut {
			line += " (scan timed out)"
		}
		if s.Error != "" {
			line += " error=" + s.Error
		}
		return line, nil
	}
	return "", fmt.Errorf("unknown topic %q", topic)
}
