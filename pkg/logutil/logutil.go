// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logutil is a thin facade over zap shared by all vecgroup packages.
package logutil

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	logger    atomic.Value // *zap.SugaredLogger
)

// Config controls where and how verbosely the library logs. The zero value
// logs to stderr at info level.
type Config struct {
	Level zapcore.Level
	// Filename enables size-rotated file output instead of stderr.
	Filename   string
	MaxSizeMB  int
	MaxBackups int
}

func getLogger() *zap.SugaredLogger {
	setupOnce.Do(func() {
		if logger.Load() == nil {
			Setup(Config{})
		}
	})
	return logger.Load().(*zap.SugaredLogger)
}

// Setup replaces the global logger. Safe to call before any logging; later
// calls replace the sink atomically.
func Setup(cfg Config) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var sink zapcore.WriteSyncer
	if cfg.Filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	} else {
		sink, _, _ = zap.Open("stderr")
	}

	core := zapcore.NewCore(enc, sink, cfg.Level)
	logger.Store(zap.New(core).Sugar())
}

func Debugf(format string, args ...any) {
	getLogger().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	getLogger().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	getLogger().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	getLogger().Errorf(format, args...)
}
