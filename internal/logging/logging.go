// Package logging holds the process wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// L is the logger every package writes to.
	L = newConsoleLogger()

	mu      sync.Mutex
	fileOut *lumberjack.Logger
)

func newConsoleLogger() zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(console).With().Timestamp().Caller().Logger()
}

// SetLogLevel sets the global level for L and every derived logger.
func SetLogLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel maps a config string onto a zerolog level. Unknown values fall back to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// SetLogOutput duplicates log output into a rotated file under dir.
// The console writer stays attached.
func SetLogOutput(dir, filename string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if fileOut != nil {
		_ = fileOut.Close()
	}
	fileOut = &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	L = zerolog.New(zerolog.MultiLevelWriter(console, fileOut)).With().Timestamp().Caller().Logger()
	return nil
}

// SetOutput replaces the logger sink. Used by tests to silence or capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	L = zerolog.New(w).With().Timestamp().Logger()
}

// Close flushes and closes the log file if one was opened.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if fileOut != nil {
		_ = fileOut.Close()
		fileOut = nil
	}
}
