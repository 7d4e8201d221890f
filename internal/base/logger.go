// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"
	"log"
	"os"
)

// Logger defines an interface for writing log messages.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

type defaultLogger struct{}

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger defaultLogger

var _ Logger = DefaultLogger

// Infof implements the Logger.Infof interface.
func (defaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Errorf implements the Logger.Errorf interface.
func (defaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements the Logger.Fatalf interface.
func (defaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// InMemLogger is a Logger that accumulates messages in memory. It is
// intended for tests.
type InMemLogger struct {
	buf []string
}

var _ Logger = (*InMemLogger)(nil)

// Infof implements the Logger.Infof interface.
func (l *InMemLogger) Infof(format string, args ...interface{}) {
	l.buf = append(l.buf, fmt.Sprintf(format, args...))
}

// Errorf implements the Logger.Errorf interface.
func (l *InMemLogger) Errorf(format string, args ...interface{}) {
	l.buf = append(l.buf, fmt.Sprintf(format, args...))
}

// Fatalf implements the Logger.Fatalf interface.
func (l *InMemLogger) Fatalf(format string, args ...interface{}) {
	l.buf = append(l.buf, fmt.Sprintf(format, args...))
	panic(l.buf[len(l.buf)-1])
}

// Messages returns the accumulated messages.
func (l *InMemLogger) Messages() []string {
	return l.buf
}
