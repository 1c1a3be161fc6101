// Copyright 2023 Sauce Labs Inc. All rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stdlog

import (
	"io"
	"log"
	"os"
	"strings"

	flog "github.com/kpax/ntlmforwarder/log"
)

func Default() *Logger {
	return &Logger{
		log:   log.Default(),
		level: flog.InfoLevel,
	}
}

// Option is a function that modifies the Logger.
type Option func(*Logger)

func New(cfg *flog.Config, opts ...Option) *Logger {
	var w io.Writer = os.Stdout

	var f *flog.RotatableFile
	if cfg.File != nil {
		f = flog.NewRotatableFile(cfg.File)
		w = f
	}

	l := &Logger{
		log:   log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC),
		file:  f,
		level: cfg.Level,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Logger implements the log.Logger interface using the standard log package.
type Logger struct {
	log   *log.Logger
	file  *flog.RotatableFile
	name  string
	level flog.Level
	labels []string

	errorPfx string
	infoPfx  string
	debugPfx string

	decorate func(string) string
	onError  func(name string)
}

func (sl Logger) Named(name string, opts ...Option) *Logger { //nolint:gocritic // we pass by value to get a copy
	sl.name = name

	if name != "" {
		name = "[" + name + "] "
	}

	sl.errorPfx = name + "[ERROR] "
	sl.infoPfx = name + "[INFO] "
	sl.debugPfx = name + "[DEBUG] "

	for _, opt := range opts {
		opt(&sl)
	}

	return &sl
}

func (sl *Logger) Errorf(format string, args ...any) {
	if sl.level < flog.ErrorLevel {
		return
	}
	if sl.onError != nil {
		sl.onError(sl.name)
	}
	if sl.decorate != nil {
		format = sl.decorate(format)
	}
	sl.log.Printf(sl.errorPfx+sl.labelPfx()+format, args...)
}

func (sl *Logger) Infof(format string, args ...any) {
	if sl.level < flog.InfoLevel {
		return
	}
	if sl.decorate != nil {
		format = sl.decorate(format)
	}
	sl.log.Printf(sl.infoPfx+sl.labelPfx()+format, args...)
}

func (sl *Logger) Debugf(format string, args ...any) {
	if sl.level < flog.DebugLevel {
		return
	}
	if sl.decorate != nil {
		format = sl.decorate(format)
	}
	sl.log.Printf(sl.debugPfx+sl.labelPfx()+format, args...)
}

func (sl *Logger) labelPfx() string {
	if len(sl.labels) == 0 {
		return ""
	}
	return "[" + strings.Join(sl.labels, ",") + "] "
}

// Reopen reopens the underlying log file, if any. Used on SIGHUP.
func (sl *Logger) Reopen() error {
	if sl.file == nil {
		return nil
	}
	return sl.file.Reopen()
}

// Close closes the underlying log file, if any.
func (sl *Logger) Close() error {
	if sl.file == nil {
		return nil
	}
	return sl.file.Close()
}

// Unwrap returns the underlying log.Logger pointer.
func (sl *Logger) Unwrap() *log.Logger {
	return sl.log
}
