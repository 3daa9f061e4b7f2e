package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path, rotated by size
	Console   bool   // also log to stderr
	Pretty    bool   // human readable console output
	Redaction bool   // mask API keys and tokens
	MaxSize   int    // MB before rotation
	MaxAge    int    // days to keep rotated files
	Compress  bool   // gzip rotated files

	// Console destination, os.Stderr when nil. Stdout carries model output.
	Out io.Writer
}

// Logger is the process logger. It embeds zerolog.Logger and owns the log file.
type Logger struct {
	zerolog.Logger

	file     *RotatingWriter
	redactor *Redactor
}

// New builds the logger and installs it as the global zerolog logger. With neither a
// console nor a file configured, output is discarded.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg))
	}
	if cfg.File != "" {
		l.file, err = NewRotatingWriter(cfg.File, RotationPolicy{
			MaxBytes: int64(cfg.MaxSize) << 20,
			MaxAge:   time.Duration(cfg.MaxAge) * 24 * time.Hour,
			Compress: cfg.Compress,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, l.file)
	}

	var out io.Writer = io.Discard
	if len(sinks) > 0 {
		out = zerolog.MultiLevelWriter(sinks...)
	}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		out = l.redactor.Wrap(out)
	}

	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = l.Logger
	return l, nil
}

func consoleSink(cfg Config) io.Writer {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if !cfg.Pretty {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
