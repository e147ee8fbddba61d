// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Logger.

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes where and how to log.
type Config struct {
	FilePath   string // "" means console on stderr
	Level      string // "trace", "debug", "info", "warn", "error"
	DebugLevel int    // 0 keeps Level, 1 forces debug, 2 forces trace
	MaxSizeMB  int    // rotate after this size, for files only
	MaxBackups int
	MaxAgeDays int
}

// New builds a zerolog logger and the closer of its sink.
func New(config Config) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	switch {
	case config.DebugLevel >= 2:
		level = zerolog.TraceLevel
	case config.DebugLevel == 1 && level > zerolog.DebugLevel:
		level = zerolog.DebugLevel
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	if config.FilePath == "" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05.000"}
	} else {
		file := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		if file.MaxSize == 0 {
			file.MaxSize = 100
		}
		out, closer = file, file
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closer, nil
}

func parseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Gnet adapts a zerolog logger to gnet's logging.Logger so engine logs share the sink.
func Gnet(log zerolog.Logger) logging.Logger {
	return gnetLogger{log.With().Str("comp", "gnet").Logger()}
}

type gnetLogger struct {
	log zerolog.Logger
}

func (l gnetLogger) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l gnetLogger) Infof(format string, args ...any)  { l.log.Info().Msgf(format, args...) }
func (l gnetLogger) Warnf(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l gnetLogger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
func (l gnetLogger) Fatalf(format string, args ...any) { l.log.Fatal().Msgf(format, args...) }
