// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the process-wide zap logger.
//
// Two cores are teed together: a console core on stderr (stdout carries the
// answers) and, when a file path is configured, a JSON core writing through a
// lumberjack rotator.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// FilePath enables the rotated JSON file core when non-empty.
	FilePath string

	// Debug lowers both cores to debug level.
	Debug bool

	// Console receives human readable output. Defaults to os.Stderr.
	Console io.Writer

	// Verbose shows info on the console. The console otherwise starts at
	// warn so interactive output stays clean.
	Verbose bool
}

// New returns a logger configured by opts.
func New(opts Options) *zap.Logger {
	fileLevel := zapcore.InfoLevel
	consoleLevel := zapcore.WarnLevel
	if opts.Verbose {
		consoleLevel = zapcore.InfoLevel
	}
	if opts.Debug {
		fileLevel = zapcore.DebugLevel
		consoleLevel = zapcore.DebugLevel
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEncoderConfig()),
			zapcore.Lock(zapcore.AddSync(console)),
			consoleLevel,
		),
	}

	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    10, // Megabytes
			MaxBackups: 5,
			MaxAge:     30, // Days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEncoderConfig()),
			zapcore.AddSync(rotator),
			fileLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.MessageKey = "message"
	cfg.LevelKey = "level"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	return cfg
}
