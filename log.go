// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu  sync.RWMutex
	logger = zap.NewNop()
)

// SetLogger replaces the process-wide logger used by every EventLoop,
// Acceptor, Poller and TcpConnection. Safe to call at any time; callers
// should set it before Start()ing a TcpServer to capture boot-time logs.
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// L returns the current process-wide logger.
func L() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// NewFileLogger builds a zap logger writing JSON-encoded entries to path,
// rotated by lumberjack once it crosses maxSizeMB. Passing an empty path
// logs to stderr instead.
func NewFileLogger(path string, maxSizeMB, maxBackups, maxAgeDays int, debug bool) *zap.Logger {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if path == "" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig = encCfg
		cfg.Level = zap.NewAtomicLevelAt(level)
		l, err := cfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core)
}
