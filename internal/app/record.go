// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/relabs-tech/powerflux/internal/models"
	"github.com/relabs-tech/powerflux/internal/session"
)

// RecordOptions configures RunRecord.
type RecordOptions struct {
	ExerciseType string
	Comments     string
	// Duration limits the recording; zero records until ctx ends.
	Duration time.Duration
	Out      io.Writer
}

// RunRecord records the pipeline's samples into a new session until ctx
// ends or the duration elapses, then ends the session. The pipeline must be
// running.
func RunRecord(ctx context.Context, store *session.Store, pipeline *Pipeline, opts RecordOptions) (models.Session, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	sess, err := store.StartSession(ctx, opts.ExerciseType, opts.Comments)
	if err != nil {
		return models.Session{}, err
	}
	if err := pipeline.StartRecording(sess.ID); err != nil {
		return sess, err
	}
	fmt.Fprintf(out, "Recording session %s. Press Ctrl+C to stop.\n", sess.ID)

	var timeout <-chan time.Time
	if opts.Duration > 0 {
		t := time.NewTimer(opts.Duration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	handed := pipeline.StopRecording()

	// ctx may be cancelled already; the session still has to be closed.
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	sess, err = store.EndSession(endCtx, sess.ID)
	if err != nil {
		return sess, fmt.Errorf("end session: %w", err)
	}
	n, err := store.MeasurementCount(endCtx, sess.ID)
	if err != nil {
		return sess, err
	}
	fmt.Fprintf(out, "Session %s ended: %d measurements stored (%d received), %s\n",
		sess.ID, n, handed, sess.EndTime.Sub(sess.StartTime).Round(time.Millisecond))
	return sess, nil
}
