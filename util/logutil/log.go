// Copyright 2025 Ekjot Singh
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

// Package logutil wires this module's two logging paths: a logrus
// logger for human-facing server logs (format matches the rest of the
// pingcap Go stack so log scraping tooling keeps working unmodified),
// and a pingcap/log-backed zap logger for the high-volume slow query
// path, where structured fields and fast encoding matter more than
// eyeball readability.
package logutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	zaplog "github.com/pingcap/log"
	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultLogFormat is the only format this module implements; it exists
// as a named constant so call sites read the same way as the rest of
// the pingcap stack's config plumbing.
const DefaultLogFormat = "text"

// FileLogConfig controls on-disk log rotation, passed straight through
// to lumberjack.
type FileLogConfig struct {
	Filename   string
	MaxSize    int
	MaxDays    int
	MaxBackups int
}

// EmptyFileLogConfig disables file rotation entirely (zero values mean
// "use lumberjack's defaults" only once Filename is non-empty).
var EmptyFileLogConfig = FileLogConfig{}

// LogConfig groups everything InitLogger/InitZapLogger need.
type LogConfig struct {
	Level            string
	Format           string
	SlowQueryFile    string
	File             FileLogConfig
	DisableTimestamp bool
}

// NewLogConfig builds a LogConfig from its parts.
func NewLogConfig(level, format, slowQueryFile string, file FileLogConfig, disableTimestamp bool) *LogConfig {
	return &LogConfig{
		Level:            level,
		Format:           format,
		SlowQueryFile:    slowQueryFile,
		File:             file,
		DisableTimestamp: disableTimestamp,
	}
}

func stringToLogLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "fatal":
		return log.FatalLevel
	case "error":
		return log.ErrorLevel
	case "warn", "warning":
		return log.WarnLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	default:
		return log.InfoLevel
	}
}

func stringToZapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "fatal":
		return zapcore.FatalLevel
	case "error":
		return zapcore.ErrorLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

// textFormatter renders logrus entries as
// "2019/02/13 15:56:05.385 caller.go:30: [warning] message key=val\n",
// matching the format the rest of the pingcap stack's logs use.
type textFormatter struct {
	DisableTimestamp bool
	EnableEntryOrder bool
}

func (f *textFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b strings.Builder

	if !f.DisableTimestamp {
		b.WriteString(entry.Time.Format("2006/01/02 15:04:05.000"))
		b.WriteByte(' ')
	}
	if entry.Caller != nil {
		fmt.Fprintf(&b, "%s:%d: ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	fmt.Fprintf(&b, "[%s] %s", entry.Level.String(), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// SlowQueryLogger is the logrus logger slow-query records are written
// to when InitLogger configures a SlowQueryFile.
var SlowQueryLogger = log.New()

// SlowQueryZapLogger is the zap logger slow-query records are written
// to when InitZapLogger configures a SlowQueryFile.
var SlowQueryZapLogger = zap.NewNop()

func fileWriter(cfg FileLogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
	}
}

// InitLogger configures the package-level logrus logger (used for
// general server logging via the standard log.Info/Warn/... calls) and,
// if cfg.SlowQueryFile is set, points SlowQueryLogger at that file with
// the same text format.
func InitLogger(cfg *LogConfig) error {
	log.SetLevel(stringToLogLevel(cfg.Level))
	log.SetReportCaller(true)
	log.SetFormatter(&textFormatter{DisableTimestamp: cfg.DisableTimestamp})

	if cfg.SlowQueryFile != "" {
		SlowQueryLogger.SetLevel(stringToLogLevel(cfg.Level))
		SlowQueryLogger.SetReportCaller(false)
		SlowQueryLogger.SetFormatter(&textFormatter{DisableTimestamp: false})
		SlowQueryLogger.SetOutput(&lumberjack.Logger{Filename: cfg.SlowQueryFile})
	}
	return nil
}

// InitZapLogger configures the package-level pingcap/log globals (used
// by this module's zap.L()/logutil.Logger(ctx) call sites) and, if
// cfg.SlowQueryFile is set, builds SlowQueryZapLogger as a second zap
// logger writing structured slow-query records to that file.
func InitZapLogger(cfg *LogConfig) error {
	zcfg := &zaplog.Config{
		Level: cfg.Level,
	}
	logger, props, err := zaplog.InitLogger(zcfg)
	if err != nil {
		return err
	}
	zaplog.ReplaceGlobals(logger, props)

	if cfg.SlowQueryFile != "" {
		sqLogger, _, err := zaplog.InitLogger(&zaplog.Config{
			Level: cfg.Level,
			File:  zaplog.FileLogConfig{Filename: cfg.SlowQueryFile},
		})
		if err != nil {
			return err
		}
		SlowQueryZapLogger = sqLogger
	}
	return nil
}

// SetLevel adjusts the package-level pingcap/log logger's level without
// rebuilding it, mirroring pingcap/log's own SetLevel/GetLevel globals.
func SetLevel(level string) error {
	zaplog.SetLevel(stringToZapLevel(level))
	return nil
}

// loggerCtxKey is the context key a request-scoped zap.Logger is stored
// under by WithLogger, so call sites deep in the dispatch core can pick
// up request-specific fields (e.g. a request id) without threading a
// logger parameter through every function signature.
type loggerCtxKey struct{}

// WithLogger attaches logger to ctx for later retrieval by Logger(ctx).
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// Logger returns the zap.Logger attached to ctx by WithLogger, or the
// global pingcap/log logger if none was attached.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerCtxKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zaplog.L()
}
