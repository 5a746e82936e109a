// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/relabs-tech/powerflux/internal/models"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "pf.db")}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	defer Close(db)

	// Migrations run on every start.
	for i := 0; i < 2; i++ {
		if err := Migrate(db, quiet()); err != nil {
			t.Fatalf("migrate %d: %v", i, err)
		}
	}
	if !db.Migrator().HasTable(&models.Session{}) || !db.Migrator().HasTable(&models.Measurement{}) {
		t.Fatal("tables missing")
	}
	if err := HealthCheck(ctx, db); err != nil {
		t.Fatal(err)
	}

	s := models.Session{ID: "a1", StartTime: time.Now().UTC()}
	if err := db.Create(&s).Error; err != nil {
		t.Fatal(err)
	}
	m := models.Measurement{AccZ: 1, Timestamp: 10, SessionID: "a1"}
	if err := db.Create(&m).Error; err != nil {
		t.Fatal(err)
	}

	orphan := models.Measurement{AccZ: 1, Timestamp: 10, SessionID: "missing"}
	if err := db.Create(&orphan).Error; err == nil {
		t.Fatal("measurement without a session accepted")
	}
	if err := db.Delete(&models.Session{}, "id = ?", "a1").Error; err == nil {
		t.Fatal("session with measurements deleted")
	}
}

func TestHealthCheckAfterClose(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{DSN: filepath.Join(t.TempDir(), "pf.db")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := Close(db); err != nil {
		t.Fatal(err)
	}
	if err := HealthCheck(ctx, db); err == nil {
		t.Fatal("closed database reported healthy")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"}, quiet())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "powerflux.db?_pragma=foreign_keys(1)"},
		{"data/pf.db", "data/pf.db?_pragma=foreign_keys(1)"},
		{"pf.db?_pragma=busy_timeout(5000)", "pf.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"},
		{"pf.db?_pragma=foreign_keys(0)", "pf.db?_pragma=foreign_keys(0)"},
	}
	for _, tt := range tests {
		if got := sqliteDSN(tt.in); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
