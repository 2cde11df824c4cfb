// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package testlog creates a *log.Logger backed by testing.T to ease logging in
// tests.
package testlog

import (
	"io"
	"log"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a Logger.
func NewWriter(t LogPrinter) io.Writer {
	return os.Stderr
}

// NewPrefixWriter creates a new io.Writer backed by a Logger with a custom
// prefix per Write.
func NewPrefixWriter(t LogPrinter, prefix string) io.Writer {
	return &prefixStderr{[]byte(prefix)}
}

// New returns a new test logger. See https://golang.org/pkg/log/#New
func New(t LogPrinter, prefix string, flag int) *log.Logger {
	return log.New(os.Stderr, prefix, flag)
}

// WithPrefix returns a new test logger with a Lmicroseconds flag set.
func WithPrefix(t LogPrinter, prefix string) *log.Logger {
	return New(t, prefix, log.Lmicroseconds)
}

// Logger returns a new test logger with the Lmicroseconds flag set and no
// prefix.
func Logger(t LogPrinter) *log.Logger {
	return WithPrefix(t, "")
}

// HCLogger returns a new test hc-logger.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	level := hclog.Trace
	envLogLevel := os.Getenv("LOG_LEVEL")
	if envLogLevel != "" {
		level = hclog.LevelFromString(envLogLevel)
	}
	opts := &hclog.LoggerOptions{
		Level:           level,
		Output:          os.Stderr,
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}

type prefixStderr struct {
	prefix []byte
}

// Write to stdout with a prefix per call containing non-whitespace characters.
func (p *prefixStderr) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	// Skip prefix if only writing whitespace
	var buf []byte
	if len(data) > len("\n") {
		buf = make([]byte, 0, len(p.prefix)+len(data))
		buf = append(buf, p.prefix...)
	}

	buf = append(buf, data...)
	n, err := os.Stderr.Write(buf)
	if n > 0 {
		// Even if an error occurred, if we wrote anything, report back the
		// length of data written, not the length of the data + prefix.
		n = len(data)
	}
	return n, err
}
