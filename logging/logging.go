// Package logging builds the phuslu/log loggers used across the worker.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/commission-vm/config"
	"github.com/phuslu/log"
)

// New builds the root logger. When cfg.File is set the logger also writes to a rotating file.
func New(cfg config.LoggingConfig) (*log.Logger, error) {
	var console log.Writer
	switch {
	case cfg.Format == "json":
		console = &log.IOWriter{Writer: os.Stdout}
	case cfg.Format == "console" || log.IsTerminal(os.Stdout.Fd()):
		console = &log.ConsoleWriter{ColorOutput: true, EndWithMessage: true}
	default:
		console = &log.IOWriter{Writer: os.Stdout}
	}

	writer := console
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		writer = &log.MultiEntryWriter{
			console,
			&log.FileWriter{
				Filename:   cfg.File,
				FileMode:   0644,
				MaxSize:    50 * 1024 * 1024,
				MaxBackups: 7,
				LocalTime:  true,
			},
		}
	}

	return &log.Logger{
		Level:      log.ParseLevel(cfg.Level),
		TimeFormat: "2006-01-02 15:04:05",
		Writer:     writer,
	}, nil
}

// ServiceLogFile returns logs/commission-vm.log next to the executable.
func ServiceLogFile() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(exePath), "logs", "commission-vm.log"), nil
}

// Component returns a child logger tagged with component=name.
func Component(parent *log.Logger, name string) *log.Logger {
	return With(parent, "component", name)
}

// With returns a copy of parent carrying one extra context field.
func With(parent *log.Logger, key, value string) *log.Logger {
	if parent == nil {
		parent = Discard()
	}
	child := *parent
	child.Context = log.NewContext(append([]byte(nil), parent.Context...)).Str(key, value).Value()
	return &child
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return &log.Logger{Level: log.PanicLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

// To returns a JSON logger writing to w, used by tests that assert on log output.
func To(w io.Writer) *log.Logger {
	return &log.Logger{Level: log.DebugLevel, Writer: &log.IOWriter{Writer: w}}
}

// Printf adapts a logger to printf-style sinks such as chromedp.WithLogf.
func Printf(l *log.Logger) func(string, ...any) {
	return func(format string, args ...any) {
		l.Debug().Msgf(format, args...)
	}
}
