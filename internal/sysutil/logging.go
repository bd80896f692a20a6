// Package sysutil holds process-level setup shared by the server binary.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions selects the sinks of the global logger.
type LogOptions struct {
	Level  string
	Pretty bool   // human-readable console output
	File   string // rolling JSON file, empty to disable
}

// SetLogLevel configures the global zerolog level. Unknown values fall back to info.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetupLogger replaces log.Logger with a logger writing to stdout and, when
// File is set, to a size-rotated file. It also makes log.Ctx fall back to the
// global logger for contexts that carry none. The returned closer releases
// the file sink.
func SetupLogger(opts LogOptions) io.Closer {
	return setupLogger(os.Stdout, opts)
}

func setupLogger(stdout io.Writer, opts LogOptions) io.Closer {
	SetLogLevel(opts.Level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var console io.Writer = stdout
	if opts.Pretty {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	out := console
	if f := strings.TrimSpace(opts.File); f != "" {
		rotator := &lumberjack.Logger{
			Filename:   f,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, rotator)
		closer = rotator
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
