// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"context"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogLevel = "info"

	constFieldRunKey       = "run-id"
	constFieldJobKey       = "job-id"
	constFieldComponentKey = "component"
)

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// DefaultConfig returns the default log config.
func DefaultConfig() *Config {
	return &Config{Level: defaultLogLevel}
}

// Adjust adjusts config
func (cfg *Config) Adjust() {
	if len(cfg.Level) == 0 {
		cfg.Level = defaultLogLevel
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
}

// InitLogger initializes the global pingcap/log logger.
func InitLogger(cfg *Config) error {
	cfg.Adjust()
	logger, props, err := log.InitLogger(&log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// SetLogLevel changes the global log level at runtime.
func SetLogLevel(level string) error {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return errors.Trace(err)
	}
	log.SetLevel(lv)
	return nil
}

// NewLogger4Leader return a new logger for the leader of a run
func NewLogger4Leader(runID string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldComponentKey, "leader"),
		zap.String(constFieldRunKey, runID),
	)
}

// NewLogger4Worker return a new logger for a worker executing one job
func NewLogger4Worker(runID, jobID string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldComponentKey, "worker"),
		zap.String(constFieldRunKey, runID),
		zap.String(constFieldJobKey, jobID),
	)
}

// ShortError contructs a field which only records the error message without the
// verbose text (i.e. excludes the stack).
func ShortError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}

// ZapErrorFilter wraps zap.Error, if err is in given filterErrors, it will be set to nil.
func ZapErrorFilter(err error, filterErrors ...error) zap.Field {
	cause := errors.Cause(err)
	for _, ferr := range filterErrors {
		if cause == ferr {
			return zap.Error(nil)
		}
	}
	return zap.Error(err)
}

// IsCanceled reports whether err is caused by context cancellation, which
// callers usually log at a lower level.
func IsCanceled(err error) bool {
	cause := errors.Cause(err)
	return cause == context.Canceled || cause == context.DeadlineExceeded
}
