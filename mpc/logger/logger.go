// Package logger builds the zerolog loggers shared by the relay server, the
// client and the CLI.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// File configures rotating file output. An empty Path disables it.
type File struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates a zerolog logger writing console or json lines to stdout, and
// to a rotating file when file.Path is set. With logSampler only one in five
// events is kept.
func New(logLevel int, logFormat string, logSampler bool, file File) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if logFormat != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	if file.Path != "" {
		// the file always gets json regardless of the console format
		writer = io.MultiWriter(writer, &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		})
	}

	logger := zerolog.New(writer).
		Level(zerolog.Level(logLevel)).
		With().
		Timestamp().
		Logger()

	if logSampler {
		logger = logger.Sample(&zerolog.BasicSampler{N: 5})
	}
	return logger
}

// Component derives a sub-logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
