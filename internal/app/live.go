// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/powerflux/internal/imu"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const liveWriteTimeout = 5 * time.Second

// LiveMessage is one server to client WebSocket message.
type LiveMessage struct {
	Type        string              `json:"type"` // sample, calibration, error
	Sample      *imu.SensorData     `json:"sample,omitempty"`
	Orientation *OrientationMessage `json:"orientation,omitempty"`
	Linear      *[3]float64         `json:"linear,omitempty"`
	Calibration *CalibrationMessage `json:"calibration,omitempty"`
	Message     string              `json:"message,omitempty"`
}

// LiveCommand is one client to server WebSocket message.
type LiveCommand struct {
	Action string `json:"action"` // start_quick, start_full, abort
}

func sampleMessage(f Frame) LiveMessage {
	o := newOrientationMessage(f)
	return LiveMessage{Type: "sample", Sample: &f.Sample, Orientation: &o, Linear: &f.Linear}
}

func calibrationMessage(m CalibrationMessage) LiveMessage {
	return LiveMessage{Type: "calibration", Calibration: &m}
}

// handleLive streams frames and calibration changes and accepts
// calibration commands. Only this goroutine writes to the socket.
func (s *Server) handleLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	frames := s.pipeline.Frames(64)
	defer frames.Close()
	calib := s.calib.Updates(16)
	defer calib.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	replies := make(chan LiveMessage, 4)

	go func() {
		defer cancel()
		for {
			var cmd LiveCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				s.log.Debug("websocket closed", "error", err)
				return
			}
			if err := s.runLiveCommand(ctx, cmd); err != nil {
				select {
				case replies <- LiveMessage{Type: "error", Message: err.Error()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	write := func(m LiveMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		return conn.WriteJSON(m)
	}

	if err := write(calibrationMessage(newCalibrationMessage(s.calib.State()))); err != nil {
		return
	}
	for {
		var m LiveMessage
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames.C:
			if !ok {
				return
			}
			m = sampleMessage(f)
		case st, ok := <-calib.C:
			if !ok {
				return
			}
			m = calibrationMessage(newCalibrationMessage(st))
		case m = <-replies:
		}
		if err := write(m); err != nil {
			s.log.Debug("websocket write error", "error", err)
			return
		}
	}
}

func (s *Server) runLiveCommand(ctx context.Context, cmd LiveCommand) error {
	switch cmd.Action {
	case "start_quick":
		return s.calib.StartQuick(ctx)
	case "start_full":
		return s.calib.StartFull(ctx)
	case "abort":
		return s.calib.Abort(ctx)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
