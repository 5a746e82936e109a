// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package database

import (
	"fmt"
	"log/slog"

	"github.com/relabs-tech/powerflux/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the recording tables.
func Migrate(db *gorm.DB, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "database")
	log.Info("running migrations")

	if err := db.AutoMigrate(&models.Session{}, &models.Measurement{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_measurements_session_ts ON measurements(session_id, timestamp, id)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(start_time) WHERE end_time IS NULL",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			// Indexes only speed up reads.
			log.Warn("create index", "sql", stmt, "err", err)
		}
	}

	log.Info("migrations completed")
	return nil
}
