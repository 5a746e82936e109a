// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/relabs-tech/powerflux/internal/calibration"
	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/models"
	"github.com/relabs-tech/powerflux/internal/pubsub"
	"github.com/relabs-tech/powerflux/internal/session"
)

// LinkControl is the part of the link the server drives.
type LinkControl interface {
	State() link.State
	DeviceAddress() string
	Stats() link.Stats
	StartScan(ctx context.Context) error
	Disconnect() error
}

// CalibrationControl is the part of the calibration controller the server
// drives.
type CalibrationControl interface {
	State() calibration.State
	Updates(buf int) *pubsub.Subscription[calibration.State]
	StartQuick(ctx context.Context) error
	StartFull(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Server is the HTTP and WebSocket surface.
type Server struct {
	link     LinkControl
	calib    CalibrationControl
	pipeline *Pipeline
	store    *session.Store
	log      *slog.Logger
}

// NewServer wires the handlers to their collaborators.
func NewServer(l LinkControl, calib CalibrationControl, pipeline *Pipeline, store *session.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		link:     l,
		calib:    calib,
		pipeline: pipeline,
		store:    store,
		log:      logger.With("component", "web"),
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/orientation", s.getOrientation)

		api.POST("/link/scan", s.postScan)
		api.POST("/link/disconnect", s.postDisconnect)

		api.GET("/calibration", s.getCalibration)
		api.POST("/calibration/quick", s.postCalibration(s.calib.StartQuick))
		api.POST("/calibration/full", s.postCalibration(s.calib.StartFull))
		api.POST("/calibration/abort", s.postCalibration(s.calib.Abort))

		sessions := api.Group("/sessions")
		sessions.GET("", s.listSessions)
		sessions.POST("", s.startSession)
		sessions.GET("/:id", s.getSession)
		sessions.PATCH("/:id", s.updateSession)
		sessions.DELETE("/:id", s.deleteSession)
		sessions.POST("/:id/end", s.endSession)
		sessions.GET("/:id/export", s.exportSession)
	}

	r.GET("/ws/live", s.handleLive)
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("web server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

type errorResponse struct {
	Error       string `json:"error"`
	Remediation string `json:"remediation,omitempty"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, link.ErrNotConnected),
		errors.Is(err, ErrAlreadyRecording):
		code = http.StatusConflict
	case errors.Is(err, link.ErrCharacteristicNotFound),
		errors.Is(err, link.ErrPermissionDenied),
		errors.Is(err, link.ErrScan):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	resp := errorResponse{Error: err.Error()}
	var linkErr *link.Error
	if errors.As(err, &linkErr) {
		resp.Remediation = linkErr.Remediation
	}
	c.JSON(code, resp)
}

type statusResponse struct {
	State     string     `json:"state"`
	Device    string     `json:"device,omitempty"`
	Stats     link.Stats `json:"stats"`
	Recording string     `json:"recording,omitempty"`
	// Database is "ok" or the reason the store is unreachable.
	Database string `json:"database"`
}

func (s *Server) getStatus(c *gin.Context) {
	dbState := "ok"
	if err := s.store.HealthCheck(c.Request.Context()); err != nil {
		s.log.Warn("database health check failed", "error", err)
		dbState = err.Error()
	}
	c.JSON(http.StatusOK, statusResponse{
		State:     s.link.State().String(),
		Device:    s.link.DeviceAddress(),
		Stats:     s.link.Stats(),
		Recording: s.pipeline.Recording(),
		Database:  dbState,
	})
}

type orientationResponse struct {
	OrientationMessage
	Sample imu.SensorData `json:"sample"`
}

func (s *Server) getOrientation(c *gin.Context) {
	f, ok := s.pipeline.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "no data yet"})
		return
	}
	c.JSON(http.StatusOK, orientationResponse{OrientationMessage: newOrientationMessage(f), Sample: f.Sample})
}

func (s *Server) postScan(c *gin.Context) {
	// The scan outlives the request.
	if err := s.link.StartScan(context.WithoutCancel(c.Request.Context())); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, StatusMessage{State: s.link.State().String()})
}

func (s *Server) postDisconnect(c *gin.Context) {
	if err := s.link.Disconnect(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusMessage{State: s.link.State().String()})
}

func (s *Server) getCalibration(c *gin.Context) {
	c.JSON(http.StatusOK, newCalibrationMessage(s.calib.State()))
}

func (s *Server) postCalibration(action func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := action(c.Request.Context()); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, newCalibrationMessage(s.calib.State()))
	}
}

func (s *Server) listSessions(c *gin.Context) {
	list, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	c.JSON(http.StatusOK, list)
}

type startSessionRequest struct {
	ExerciseType string `json:"exerciseType"`
	Comments     string `json:"comments"`
}

// startSession creates a session and records the live samples into it.
func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	if s.pipeline.Recording() != "" {
		s.writeError(c, ErrAlreadyRecording)
		return
	}
	sess, err := s.store.StartSession(c.Request.Context(), req.ExerciseType, req.Comments)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.pipeline.StartRecording(sess.ID); err != nil {
		// Lost a race with another start.
		if _, endErr := s.store.EndSession(c.Request.Context(), sess.ID); endErr != nil {
			s.log.Warn("could not end unused session", "id", sess.ID, "error", endErr)
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type sessionResponse struct {
	models.Session
	Measurements int64 `json:"measurements"`
}

func (s *Server) getSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	n, err := s.store.MeasurementCount(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess, Measurements: n})
}

func (s *Server) updateSession(c *gin.Context) {
	var upd session.SessionUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	sess, err := s.store.UpdateSession(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) endSession(c *gin.Context) {
	id := c.Param("id")
	if s.pipeline.Recording() == id {
		s.pipeline.StopRecording()
	}
	sess, err := s.store.EndSession(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if s.pipeline.Recording() == id {
		s.pipeline.StopRecording()
	}
	if err := s.store.DeleteSession(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) exportSession(c *gin.Context) {
	f, err := session.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id := c.Param("id")
	var buf bytes.Buffer
	if err := s.store.Export(c.Request.Context(), id, f, &buf); err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="session-`+id+f.Extension()+`"`)
	c.Data(http.StatusOK, f.ContentType(), buf.Bytes())
}
