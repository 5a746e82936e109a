// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session records measurements into sessions with batched writes.
//
// Measurements are buffered in memory and written in one transaction when
// the batch is full or the write interval has elapsed. A failed write keeps
// the buffer so the next flush retries it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relabs-tech/powerflux/internal/database"
	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/models"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionEnded       = errors.New("session already ended")
	ErrInvalidMeasurement = errors.New("measurement has non-finite values")
)

// sessionState is the cached write state of a session id.
type sessionState uint8

const (
	sessionOpen sessionState = iota + 1
	sessionEnded
	sessionDeleted
)

// Options tunes the write buffering.
type Options struct {
	BatchSize     int
	WriteInterval time.Duration
	Logger        *slog.Logger
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// DefaultOptions returns a batch of 50 and a one second interval.
func DefaultOptions() Options {
	return Options{BatchSize: 50, WriteInterval: time.Second}
}

// SessionUpdate changes the editable fields of a session. Nil fields are
// left alone.
type SessionUpdate struct {
	ExerciseType *string `json:"exerciseType"`
	Comments     *string `json:"comments"`
}

// Store is the only writer of sessions and measurements.
type Store struct {
	db        *gorm.DB
	log       *slog.Logger
	batchSize int
	interval  time.Duration
	now       func() time.Time

	// flushMu serializes every write transaction.
	flushMu sync.Mutex

	mu        sync.Mutex
	buffer    []models.Measurement
	lastWrite time.Time
	// sessions caches the write state of ids seen by this store. Ending and
	// deleting change it before their transaction, under mu, so no append
	// for that id can land after the final flush or purge.
	sessions map[string]sessionState
}

// NewStore wraps a migrated database handle.
func NewStore(db *gorm.DB, opts Options) *Store {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.WriteInterval <= 0 {
		opts.WriteInterval = def.WriteInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        db,
		log:       logger.With("component", "session"),
		batchSize: opts.BatchSize,
		interval:  opts.WriteInterval,
		now:       opts.Now,
		lastWrite: opts.Now(),
		sessions:  make(map[string]sessionState),
	}
}

// StartSession creates an active session and returns it.
func (s *Store) StartSession(ctx context.Context, exerciseType, comments string) (models.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Session{}, fmt.Errorf("new session id: %w", err)
	}
	sess := models.Session{
		ID:        id.String(),
		StartTime: s.now().UTC(),
	}
	if exerciseType != "" {
		sess.ExerciseType = &exerciseType
	}
	if comments != "" {
		sess.Comments = &comments
	}

	s.flushMu.Lock()
	err = s.db.WithContext(ctx).Create(&sess).Error
	s.flushMu.Unlock()
	if err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sessionOpen
	s.lastWrite = s.now()
	s.mu.Unlock()
	s.log.Info("session started", "id", sess.ID, "exercise", exerciseType)
	return sess, nil
}

// StoreMeasurement buffers d for sessionID and flushes when the batch is
// full or the write interval has passed. The returned error is a flush
// error; the measurement stays buffered in that case. Samples with NaN or
// infinite values are rejected with ErrInvalidMeasurement.
func (s *Store) StoreMeasurement(ctx context.Context, sessionID string, d imu.SensorData) error {
	if !d.Finite() {
		return fmt.Errorf("store measurement in %s: %w", sessionID, ErrInvalidMeasurement)
	}

	s.mu.Lock()
	st, known := s.sessions[sessionID]
	s.mu.Unlock()
	if !known {
		sess, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		st = sessionEnded
		if sess.Active() {
			st = sessionOpen
		}
	}

	s.mu.Lock()
	if cur, ok := s.sessions[sessionID]; ok {
		// Ended or deleted while the row was loaded.
		st = cur
	} else {
		s.sessions[sessionID] = st
	}
	if err := stateErr(sessionID, st); err != nil {
		s.mu.Unlock()
		return err
	}
	s.buffer = append(s.buffer, models.NewMeasurement(sessionID, d))
	due := len(s.buffer) >= s.batchSize || s.now().Sub(s.lastWrite) > s.interval
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.Flush(ctx)
}

func stateErr(id string, st sessionState) error {
	switch st {
	case sessionEnded:
		return fmt.Errorf("store measurement in %s: %w", id, ErrSessionEnded)
	case sessionDeleted:
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// mark sets the cached state of id and returns a function restoring the
// previous one.
func (s *Store) mark(id string, st sessionState) (undo func()) {
	s.mu.Lock()
	prev, had := s.sessions[id]
	s.sessions[id] = st
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.sessions[id] = prev
		} else {
			delete(s.sessions, id)
		}
	}
}

// HealthCheck pings the database behind the store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return database.HealthCheck(ctx, s.db)
}

// Buffered returns the number of measurements not yet written.
func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush writes every buffered measurement in one transaction. Entries are
// removed from the buffer only after the commit succeeded.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Store) flushLocked(ctx context.Context) error {
	s.mu.Lock()
	batch := slices.Clone(s.buffer)
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&batch, s.batchSize).Error
	})
	if err != nil {
		s.log.Error("flush failed, keeping buffer", "count", len(batch), "err", err)
		return fmt.Errorf("flush %d measurements: %w", len(batch), err)
	}

	// Only appends can happen while flushMu is held, so the written
	// entries are still the buffer's prefix.
	s.mu.Lock()
	s.buffer = slices.Delete(s.buffer, 0, len(batch))
	s.lastWrite = s.now()
	s.mu.Unlock()
	s.log.Debug("flushed measurements", "count", len(batch), "took", time.Since(start))
	return nil
}

// EndSession flushes pending measurements and sets the end time. The end
// time is set once; a second call returns ErrSessionEnded.
func (s *Store) EndSession(ctx context.Context, id string) (models.Session, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if !sess.Active() {
		return sess, fmt.Errorf("end session %s: %w", id, ErrSessionEnded)
	}

	undo := s.mark(id, sessionEnded)
	if err := s.flushLocked(ctx); err != nil {
		undo()
		return sess, fmt.Errorf("end session %s: %w", id, err)
	}

	end := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND end_time IS NULL", id).
		Update("end_time", end)
	if res.Error != nil {
		undo()
		return sess, fmt.Errorf("end session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return sess, fmt.Errorf("end session %s: %w", id, ErrSessionEnded)
	}
	sess.EndTime = &end
	s.log.Info("session ended", "id", id, "duration", end.Sub(sess.StartTime))
	return sess, nil
}

// UpdateSession edits exercise type and comments.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (models.Session, error) {
	fields := map[string]any{}
	if upd.ExerciseType != nil {
		fields["exercise_type"] = *upd.ExerciseType
	}
	if upd.Comments != nil {
		fields["comments"] = *upd.Comments
	}
	if len(fields) > 0 {
		s.flushMu.Lock()
		res := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(fields)
		s.flushMu.Unlock()
		if res.Error != nil {
			return models.Session{}, fmt.Errorf("update session %s: %w", id, res.Error)
		}
	}
	return s.GetSession(ctx, id)
}

// DeleteSession removes the measurements and then the session in one
// transaction. Buffered measurements of the session are dropped once the
// transaction committed.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	undo := s.mark(id, sessionDeleted)
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ?", id).Delete(&models.Measurement{})
		if res.Error != nil {
			return fmt.Errorf("delete measurements: %w", res.Error)
		}
		removed = res.RowsAffected

		res = tx.Where("id = ?", id).Delete(&models.Session{})
		if res.Error != nil {
			return fmt.Errorf("delete session row: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		undo()
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	s.mu.Lock()
	s.buffer = slices.DeleteFunc(s.buffer, func(m models.Measurement) bool {
		return m.SessionID == id
	})
	s.mu.Unlock()
	s.log.Info("session deleted", "id", id, "measurements", removed)
	return nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Session{}, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	var out []models.Session
	if err := s.db.WithContext(ctx).Order("start_time DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Measurements returns the persisted measurements of a session in
// timestamp order.
func (s *Store) Measurements(ctx context.Context, id string) ([]models.Measurement, error) {
	var out []models.Measurement
	err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("timestamp ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("measurements of %s: %w", id, err)
	}
	return out, nil
}

// MeasurementCount counts the persisted measurements of a session.
func (s *Store) MeasurementCount(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Measurement{}).Where("session_id = ?", id).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count measurements of %s: %w", id, err)
	}
	return n, nil
}

// Close writes what is still buffered.
func (s *Store) Close(ctx context.Context) error {
	return s.Flush(ctx)
}
