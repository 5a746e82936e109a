// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package models holds the persisted recording rows.
package models

import (
	"time"

	"github.com/relabs-tech/powerflux/internal/imu"
)

// Session is one recording. EndTime is nil while the session is active.
type Session struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	StartTime    time.Time  `gorm:"not null;index" json:"startTime"`
	EndTime      *time.Time `json:"endTime"`
	ExerciseType *string    `gorm:"type:varchar(100)" json:"exerciseType"`
	Comments     *string    `json:"comments"`
}

func (Session) TableName() string {
	return "sessions"
}

// Active reports whether the session has not been ended.
func (s Session) Active() bool {
	return s.EndTime == nil
}

// Measurement is one persisted sample.
type Measurement struct {
	ID        uint64   `gorm:"primaryKey;autoIncrement" json:"id"`
	AccX      float64  `gorm:"not null" json:"accX"`
	AccY      float64  `gorm:"not null" json:"accY"`
	AccZ      float64  `gorm:"not null" json:"accZ"`
	GyrX      float64  `gorm:"not null" json:"gyrX"`
	GyrY      float64  `gorm:"not null" json:"gyrY"`
	GyrZ      float64  `gorm:"not null" json:"gyrZ"`
	Timestamp int64    `gorm:"not null" json:"timestamp"`
	SessionID string   `gorm:"type:varchar(36);not null;index" json:"sessionId"`
	Session   *Session `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Measurement) TableName() string {
	return "measurements"
}

// NewMeasurement converts a merged sample into a row of sessionID.
func NewMeasurement(sessionID string, d imu.SensorData) Measurement {
	return Measurement{
		AccX:      d.AccX,
		AccY:      d.AccY,
		AccZ:      d.AccZ,
		GyrX:      d.GyrX,
		GyrY:      d.GyrY,
		GyrZ:      d.GyrZ,
		Timestamp: int64(d.Timestamp),
		SessionID: sessionID,
	}
}

// SensorData converts the row back into a sample.
func (m Measurement) SensorData() imu.SensorData {
	return imu.SensorData{
		AccX:      m.AccX,
		AccY:      m.AccY,
		AccZ:      m.AccZ,
		GyrX:      m.GyrX,
		GyrY:      m.GyrY,
		GyrZ:      m.GyrZ,
		Timestamp: uint32(m.Timestamp),
	}
}
