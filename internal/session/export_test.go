// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/relabs-tech/powerflux/internal/imu"
	"github.com/relabs-tech/powerflux/internal/models"
)

func TestExportCSV(t *testing.T) {
	ms := []models.Measurement{
		{Timestamp: 1000, AccX: 1, AccY: 0, AccZ: 1, GyrX: 0.12346, GyrY: -2, GyrZ: 0},
		{Timestamp: 1020, AccX: 0.5, AccY: 0.25, AccZ: -1, GyrX: 0, GyrY: 0, GyrZ: 10.00006},
	}
	var buf bytes.Buffer
	if err := ExportCSV(&buf, ms); err != nil {
		t.Fatal(err)
	}
	want := "timestamp,accX,accY,accZ,gyrX,gyrY,gyrZ\n" +
		"1000,1.0000,0.0000,1.0000,0.1235,-2.0000,0.0000\n" +
		"1020,0.5000,0.2500,-1.0000,0.0000,0.0000,10.0001\n"
	if got := buf.String(); got != want {
		t.Fatalf("csv:\n%s\nwant:\n%s", got, want)
	}
}

func TestExportMagnitudeCSV(t *testing.T) {
	ms := []models.Measurement{
		{Timestamp: 5, AccX: 3, AccY: 4, AccZ: 0},
		{Timestamp: 6, AccX: 0, AccY: 0, AccZ: 1},
	}
	var buf bytes.Buffer
	if err := ExportMagnitudeCSV(&buf, ms); err != nil {
		t.Fatal(err)
	}
	want := "timestamp,magnitude\n5,5.0000\n6,1.0000\n"
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExportJSONShape(t *testing.T) {
	ex := "plank"
	end := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	sess := models.Session{
		ID:           "0190b3c4-0000-7000-8000-000000000000",
		StartTime:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndTime:      &end,
		ExerciseType: &ex,
	}
	ms := []models.Measurement{{Timestamp: 1, AccX: 1, AccY: 2, AccZ: 3, GyrX: 4, GyrY: 5, GyrZ: 6}}

	var buf bytes.Buffer
	if err := ExportJSON(&buf, sess, ms); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Metadata     map[string]any `json:"metadata"`
		Measurements []struct {
			Timestamp int64     `json:"timestamp"`
			Acc       []float64 `json:"acc"`
			Gyro      []float64 `json:"gyro"`
		} `json:"measurements"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"id", "startTime", "endTime", "exerciseType", "comments"} {
		if _, ok := doc.Metadata[k]; !ok {
			t.Errorf("metadata missing %q", k)
		}
	}
	if doc.Metadata["comments"] != nil {
		t.Errorf("comments = %v, want null", doc.Metadata["comments"])
	}
	m := doc.Measurements[0]
	if m.Timestamp != 1 || m.Acc[0] != 1 || m.Acc[2] != 3 || m.Gyro[0] != 4 || m.Gyro[2] != 6 {
		t.Fatalf("measurement = %+v", m)
	}
}

func TestStoreExportIncludesBuffered(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.StartSession(ctx, "", "")
	for i := uint32(0); i < 3; i++ {
		if err := s.StoreMeasurement(ctx, sess.ID, imu.SensorData{AccZ: 1, Timestamp: i}); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := s.Export(ctx, sess.ID, FormatMagnitude, &buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "csv": FormatCSV, "magnitude": FormatMagnitude, "json": FormatJSON} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("xml accepted")
	}
}
