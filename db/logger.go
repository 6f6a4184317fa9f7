// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package db

import (
	"io"
	"log"
	"os"

	"github.com/cockroachdb/redact"
)

// Logger defines an interface for writing informational log messages. The
// engine logs recovery progress, flushes, and corruption reports through it.
type Logger interface {
	Infof(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib logger.
var DefaultLogger defaultLogger

type defaultLogger struct{}

func (defaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, redact.Sprintf(format, args...).StripMarkers())
}

func (defaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, redact.Sprintf(format, args...).StripMarkers())
	os.Exit(1)
}

// NewFileLogger returns a Logger that appends formatted messages to w, one
// per line. It backs the LOG file inside a database directory. The writer is
// not closed by the logger.
func NewFileLogger(w io.Writer) Logger {
	return &fileLogger{log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

type fileLogger struct {
	l *log.Logger
}

func (f *fileLogger) Infof(format string, args ...interface{}) {
	_ = f.l.Output(2, redact.Sprintf(format, args...).StripMarkers())
}

func (f *fileLogger) Fatalf(format string, args ...interface{}) {
	_ = f.l.Output(2, redact.Sprintf(format, args...).StripMarkers())
	os.Exit(1)
}
