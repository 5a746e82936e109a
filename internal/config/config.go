// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration values.
//
// Files are either KEY=VALUE (one per line, # comments) or YAML when the
// name ends in .yaml or .yml. YAML keys are the lower case KEY names.
type Config struct {
	// Device
	DeviceName       string `yaml:"device_name"`
	DeviceAddress    string `yaml:"device_address"` // connect directly, skip the scan
	ScanTimeoutMs    int    `yaml:"scan_timeout_ms"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
	NotifyQueueSize  int    `yaml:"notify_queue_size"`
	Reconnect        bool   `yaml:"reconnect"`

	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUGyroRange byte `yaml:"imu_gyro_range"`

	// Orientation filter
	FilterAlpha     float64 `yaml:"filter_alpha"`
	StaticTolerance float64 `yaml:"static_tolerance"`

	// Sessions
	SessionBatchSize       int `yaml:"session_batch_size"`
	SessionWriteIntervalMs int `yaml:"session_write_interval_ms"`

	// Database
	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`
	DBLogSQL bool   `yaml:"db_log_sql"`

	// MQTT
	MQTTBroker          string `yaml:"mqtt_broker"`
	MQTTClientIDRelay   string `yaml:"mqtt_client_id_relay"`
	MQTTClientIDConsole string `yaml:"mqtt_client_id_console"`

	// Topics
	TopicSample      string `yaml:"topic_sample"`
	TopicOrientation string `yaml:"topic_orientation"`
	TopicCalibration string `yaml:"topic_calibration"`
	TopicStatus      string `yaml:"topic_status"`

	// Timing
	ConsoleLogInterval int `yaml:"console_log_interval"` // milliseconds
	SimSampleInterval  int `yaml:"sim_sample_interval"`  // milliseconds

	// Web Server
	WebServerPort int `yaml:"web_server_port"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		DeviceName:             "PowerFlux",
		ScanTimeoutMs:          10000,
		ConnectTimeoutMs:       10000,
		NotifyQueueSize:        64,
		IMUGyroRange:           0,
		FilterAlpha:            0.96,
		StaticTolerance:        0.2,
		SessionBatchSize:       50,
		SessionWriteIntervalMs: 1000,
		DBDriver:               "sqlite",
		DBDSN:                  "powerflux.db",
		MQTTBroker:             "tcp://localhost:1883",
		MQTTClientIDRelay:      "powerflux-relay",
		MQTTClientIDConsole:    "powerflux-console",
		TopicSample:            "powerflux/sample",
		TopicOrientation:       "powerflux/orientation",
		TopicCalibration:       "powerflux/calibration",
		TopicStatus:            "powerflux/status",
		ConsoleLogInterval:     1000,
		SimSampleInterval:      20,
		WebServerPort:          8080,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load reads the configuration file on top of the defaults. An empty path
// returns the defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		return cfg, cfg.validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	default:
		if err := cfg.parseKeyValue(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseKeyValue(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := c.setValue(key, value); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func parseInt(key, value string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, lo, hi, v)
	}
	return v, nil
}

func parseBool(key, value string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Device
	case "DEVICE_NAME":
		c.DeviceName = value
	case "DEVICE_ADDRESS":
		c.DeviceAddress = value
	case "SCAN_TIMEOUT_MS":
		c.ScanTimeoutMs, err = parseInt(key, value, 100, 600000)
	case "CONNECT_TIMEOUT_MS":
		c.ConnectTimeoutMs, err = parseInt(key, value, 100, 600000)
	case "NOTIFY_QUEUE_SIZE":
		c.NotifyQueueSize, err = parseInt(key, value, 1, 65536)
	case "RECONNECT":
		c.Reconnect, err = parseBool(key, value)

	case "IMU_GYRO_RANGE":
		var v int
		v, err = parseInt(key, value, 0, 3)
		c.IMUGyroRange = byte(v)

	// Orientation filter
	case "FILTER_ALPHA":
		c.FilterAlpha, err = parseFloat(key, value)
	case "STATIC_TOLERANCE":
		c.StaticTolerance, err = parseFloat(key, value)

	// Sessions
	case "SESSION_BATCH_SIZE":
		c.SessionBatchSize, err = parseInt(key, value, 1, 100000)
	case "SESSION_WRITE_INTERVAL_MS":
		c.SessionWriteIntervalMs, err = parseInt(key, value, 1, 3600000)

	// Database
	case "DB_DRIVER":
		c.DBDriver = value
	case "DB_DSN":
		c.DBDSN = value
	case "DB_LOG_SQL":
		c.DBLogSQL, err = parseBool(key, value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_RELAY":
		c.MQTTClientIDRelay = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value

	// Topics
	case "TOPIC_SAMPLE":
		c.TopicSample = value
	case "TOPIC_ORIENTATION":
		c.TopicOrientation = value
	case "TOPIC_CALIBRATION":
		c.TopicCalibration = value
	case "TOPIC_STATUS":
		c.TopicStatus = value

	// Timing
	case "CONSOLE_LOG_INTERVAL":
		c.ConsoleLogInterval, err = parseInt(key, value, 1, 3600000)
	case "SIM_SAMPLE_INTERVAL":
		c.SimSampleInterval, err = parseInt(key, value, 1, 10000)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value, 1, 65535)

	// Logging
	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(value)
	case "LOG_FORMAT":
		c.LogFormat = strings.ToLower(value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks that all required fields are set and in range.
func (c *Config) validate() error {
	if c.DeviceName == "" && c.DeviceAddress == "" {
		return fmt.Errorf("DEVICE_NAME or DEVICE_ADDRESS is required")
	}
	if c.ScanTimeoutMs <= 0 {
		return fmt.Errorf("SCAN_TIMEOUT_MS is required")
	}
	if c.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT_MS is required")
	}
	if c.IMUGyroRange > 3 {
		return fmt.Errorf("IMU_GYRO_RANGE must be 0-3, got %d", c.IMUGyroRange)
	}
	if c.FilterAlpha < 0 || c.FilterAlpha > 1 {
		return fmt.Errorf("FILTER_ALPHA must be within [0, 1], got %v", c.FilterAlpha)
	}
	if c.StaticTolerance <= 0 {
		return fmt.Errorf("STATIC_TOLERANCE must be positive, got %v", c.StaticTolerance)
	}
	if c.SessionBatchSize <= 0 {
		return fmt.Errorf("SESSION_BATCH_SIZE is required")
	}
	if c.SessionWriteIntervalMs <= 0 {
		return fmt.Errorf("SESSION_WRITE_INTERVAL_MS is required")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required for postgres")
	}
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", c.WebServerPort)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMs) * time.Millisecond
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) SessionWriteInterval() time.Duration {
	return time.Duration(c.SessionWriteIntervalMs) * time.Millisecond
}

func (c *Config) ConsoleInterval() time.Duration {
	return time.Duration(c.ConsoleLogInterval) * time.Millisecond
}

func (c *Config) SimInterval() time.Duration {
	return time.Duration(c.SimSampleInterval) * time.Millisecond
}
