// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/relabs-tech/powerflux/internal/models"
)

// Format of an export.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatMagnitude Format = "magnitude"
	FormatJSON      Format = "json"
)

// ParseFormat accepts csv, magnitude or json.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatMagnitude, FormatJSON:
		return f, nil
	case "":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType is the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// Extension is the file extension of the format.
func (f Format) Extension() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".csv"
}

// Export flushes pending writes and writes the session in format f to w.
func (s *Store) Export(ctx context.Context, id string, f Format, w io.Writer) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	ms, err := s.Measurements(ctx, id)
	if err != nil {
		return err
	}
	switch f {
	case FormatMagnitude:
		return ExportMagnitudeCSV(w, ms)
	case FormatJSON:
		return ExportJSON(w, sess, ms)
	default:
		return ExportCSV(w, ms)
	}
}

func fixed4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// ExportCSV writes timestamp,accX,accY,accZ,gyrX,gyrY,gyrZ with four
// decimals per axis.
func ExportCSV(w io.Writer, ms []models.Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "accX", "accY", "accZ", "gyrX", "gyrY", "gyrZ"}); err != nil {
		return err
	}
	for _, m := range ms {
		row := []string{
			strconv.FormatInt(m.Timestamp, 10),
			fixed4(m.AccX), fixed4(m.AccY), fixed4(m.AccZ),
			fixed4(m.GyrX), fixed4(m.GyrY), fixed4(m.GyrZ),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportMagnitudeCSV writes timestamp,magnitude where magnitude is the
// norm of the acceleration.
func ExportMagnitudeCSV(w io.Writer, ms []models.Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "magnitude"}); err != nil {
		return err
	}
	for _, m := range ms {
		mag := math.Sqrt(m.AccX*m.AccX + m.AccY*m.AccY + m.AccZ*m.AccZ)
		if err := cw.Write([]string{strconv.FormatInt(m.Timestamp, 10), fixed4(mag)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type exportMetadata struct {
	ID           string     `json:"id"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime"`
	ExerciseType *string    `json:"exerciseType"`
	Comments     *string    `json:"comments"`
}

type exportMeasurement struct {
	Timestamp int64      `json:"timestamp"`
	Acc       [3]float64 `json:"acc"`
	Gyro      [3]float64 `json:"gyro"`
}

type exportDocument struct {
	Metadata     exportMetadata      `json:"metadata"`
	Measurements []exportMeasurement `json:"measurements"`
}

// ExportJSON writes {metadata, measurements:[{timestamp, acc, gyro}]}.
func ExportJSON(w io.Writer, sess models.Session, ms []models.Measurement) error {
	doc := exportDocument{
		Metadata: exportMetadata{
			ID:           sess.ID,
			StartTime:    sess.StartTime,
			EndTime:      sess.EndTime,
			ExerciseType: sess.ExerciseType,
			Comments:     sess.Comments,
		},
		Measurements: make([]exportMeasurement, 0, len(ms)),
	}
	for _, m := range ms {
		doc.Measurements = append(doc.Measurements, exportMeasurement{
			Timestamp: m.Timestamp,
			Acc:       [3]float64{m.AccX, m.AccY, m.AccZ},
			Gyro:      [3]float64{m.GyrX, m.GyrY, m.GyrZ},
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
