//
// Copyright 2024 Scratchbox2 Project.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package logger implements SB2's timestamped, level-filtered log line
// writer. It is a thin model on top of logrus: the SB2 level set is
// richer than logrus's (it adds "net", "noise2", "noise3"), and log
// lines must remain emittable from a signal handler, so the hot path
// never takes logrus's own locks or formatter hooks.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Level is SB2's own severity scale, ordered from least to most verbose.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelNet
	LevelNotice
	LevelInfo
	LevelDebug
	LevelNoise
	LevelNoise2
	LevelNoise3
)

var levelNames = map[Level]string{
	LevelError:   "error",
	LevelWarning: "warning",
	LevelNet:     "net",
	LevelNotice:  "notice",
	LevelInfo:    "info",
	LevelDebug:   "debug",
	LevelNoise:   "noise",
	LevelNoise2:  "noise2",
	LevelNoise3:  "noise3",
}

// String renders the canonical name of a level.
func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// LevelFromName does the reverse mapping; used both by init() parsing
// MAPPING_LOGLEVEL and by the canonical sblog_level_name_to_number API
// named in spec.md.
func LevelFromName(name string) (Level, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for lvl, n := range levelNames {
		if n == name {
			return lvl, true
		}
	}
	return LevelError, false
}

// Format selects the line layout.
type Format int

const (
	FormatSimple Format = iota
	FormatFull
)

// Logger is a single, process-wide log writer. It holds a *logrus.Logger
// that New configures, but Log renders each line itself and write sends
// it straight to stderr or the log file; the signal-safe path is the
// package-level LogSignalSafe, which writes to a caller-supplied fd.
type Logger struct {
	mu       sync.Mutex
	level    int32 // atomic; holds a Level
	format   Format
	filename string

	std *logrus.Logger
}

var defaultLogger = New()

// Default returns the process-wide logger instance.
func Default() *Logger { return defaultLogger }

// New creates an unconfigured logger at LevelNotice/FormatSimple writing
// to stderr; call Init to apply environment overrides.
func New() *Logger {
	l := &Logger{
		format: FormatSimple,
		std:    logrus.New(),
	}
	atomic.StoreInt32(&l.level, int32(LevelNotice))
	l.std.SetOutput(os.Stderr)
	l.std.SetFormatter(&passthroughFormatter{})
	return l
}

// passthroughFormatter hands logrus's message back verbatim. It is
// installed on Logger.std; the lines Logger.Log builds are written by
// Logger.write and do not pass through logrus.
type passthroughFormatter struct{}

func (passthroughFormatter) Format(e *logrus.Entry) ([]byte, error) {
	line, _ := e.Message, e.Data
	return []byte(line), nil
}

// Init reads MAPPING_LOGLEVEL, MAPPING_LOGFILE and MAPPING_LOGFORMAT
// (or the caller-supplied prefix, e.g. "SBOX_" for the session-wide
// variants) and configures the logger accordingly. Unset variables
// keep the current setting.
func (l *Logger) Init(envPrefix string) {
	if v := os.Getenv(envPrefix + "MAPPING_LOGLEVEL"); v != "" {
		if lvl, ok := LevelFromName(v); ok {
			atomic.StoreInt32(&l.level, int32(lvl))
		}
	}

	if v := os.Getenv(envPrefix + "MAPPING_LOGFORMAT"); v != "" {
		switch strings.ToLower(v) {
		case "full":
			l.format = FormatFull
		default:
			l.format = FormatSimple
		}
	}

	if v := os.Getenv(envPrefix + "MAPPING_LOGFILE"); v != "" {
		l.mu.Lock()
		l.filename = v
		l.mu.Unlock()
	}
}

// SetFile overrides the configured log file path programmatically
// (the CLI -l flag's entry point, as opposed to Init's environment
// variable).
func (l *Logger) SetFile(filename string) {
	l.mu.Lock()
	l.filename = filename
	l.mu.Unlock()
}

// SetLevel overrides the active filtering level programmatically.
func (l *Logger) SetLevel(lvl Level) {
	atomic.StoreInt32(&l.level, int32(lvl))
}

// Level returns the active filtering level.
func (l *Logger) Level() Level {
	return Level(atomic.LoadInt32(&l.level))
}

// sanitize replaces embedded newlines and tabs so log-processing tools
// can parse one line per record unambiguously (spec.md §4.1).
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", "$")
	s = strings.ReplaceAll(s, "\t", " ")
	return s
}

// Log builds and writes a single line. Fields are tab-separated; the
// call is cheap enough to be used on the mapping hot path but is not
// itself guaranteed signal-safe — use LogSignalSafe for that.
func (l *Logger) Log(level Level, file string, line int, format string, args ...interface{}) {
	if level > l.Level() {
		return
	}

	msg := sanitize(fmt.Sprintf(format, args...))
	now := time.Now()
	ts := fmt.Sprintf("%d.%03d", now.Unix(), now.Nanosecond()/1e6)

	var rendered string
	switch l.format {
	case FormatFull:
		rendered = fmt.Sprintf("%s\t%s\t%s:%d\t%s\n", ts, level, file, line, msg)
	default:
		rendered = fmt.Sprintf("%s\t%s\t%s\n", ts, level, msg)
	}

	l.write(rendered)
}

// write reopens the configured log file per line, then closes it; the
// contract (spec.md §4.1) is that consumers tolerate this, and that any
// write failure is silently dropped rather than surfaced.
func (l *Logger) write(rendered string) {
	l.mu.Lock()
	filename := l.filename
	l.mu.Unlock()

	if filename == "" {
		fmt.Fprint(os.Stderr, rendered)
		return
	}

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	f.WriteString(rendered)
}

// LogSignalSafe is the reentrant-safe leg used from within a signal
// handler. It performs no locking, no logrus call, and no time-package
// locale conversion: the timestamp is computed from a raw clock_gettime
// and the line is written directly with unix.Write. It is not
// allocation-free: the line is built with fmt.Sprintf, and sanitize
// may copy msg.
func LogSignalSafe(fd int, level Level, msg string) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return
	}

	millis := ts.Nsec / 1e6
	line := fmt.Sprintf("%d.%03d\t%s\t%s\n", ts.Sec, millis, level, sanitize(msg))
	unix.Write(fd, []byte(line))
}

// Convenience wrappers against the default logger, in the familiar
// package-level logrus.Infof style.
func Errorf(format string, args ...interface{})   { defaultLogger.logCaller(LevelError, format, args...) }
func Warningf(format string, args ...interface{}) { defaultLogger.logCaller(LevelWarning, format, args...) }
func Noticef(format string, args ...interface{})  { defaultLogger.logCaller(LevelNotice, format, args...) }
func Infof(format string, args ...interface{})    { defaultLogger.logCaller(LevelInfo, format, args...) }
func Debugf(format string, args ...interface{})   { defaultLogger.logCaller(LevelDebug, format, args...) }

func (l *Logger) logCaller(level Level, format string, args ...interface{}) {
	l.Log(level, "sb2", 0, format, args...)
}

// Instance-level convenience wrappers, for callers (writerd, mapping,
// execengine) that hold their own configured Logger rather than using
// the package-wide default.
func (l *Logger) Errorf(format string, args ...interface{})   { l.logCaller(LevelError, format, args...) }
func (l *Logger) Warningf(format string, args ...interface{}) { l.logCaller(LevelWarning, format, args...) }
func (l *Logger) Noticef(format string, args ...interface{})  { l.logCaller(LevelNotice, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})    { l.logCaller(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{})   { l.logCaller(LevelDebug, format, args...) }
