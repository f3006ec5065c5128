/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Custom level grades finer than slog's built-in four. Trace sits below
// Debug; the others alias slog's own constants so ordering comparisons
// keep working against any slog.Level value.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// appTarget roots every target this daemon's own components log under, so
// the widened-at-debug-3 filter (below) has something meaningful to narrow
// away from third-party noise.
const appTarget = "trctld"

// LogRecord is the normalized shape every logHandler receives, independent
// of slog's Record type.
type LogRecord struct {
	Time    time.Time
	Level   slog.Level
	Target  string
	File    string
	Line    int
	Message string
}

type logHandler interface {
	Handle(rec LogRecord)
}

// daemonHandler is a slog.Handler that applies a level/target filter and
// fans each surviving record out to one or more logHandlers.
type daemonHandler struct {
	minLevel     slog.Level
	targetFilter string
	handlers     []logHandler
	storedAttrs  []slog.Attr
}

func newDaemonHandler(minLevel slog.Level, targetFilter string, handlers []logHandler) *daemonHandler {
	return &daemonHandler{minLevel: minLevel, targetFilter: targetFilter, handlers: handlers}
}

func (h *daemonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *daemonHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := append([]slog.Attr{}, h.storedAttrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	var target string
	for _, a := range attrs {
		if a.Key == "target" {
			target, _ = a.Value.Any().(string)
		}
	}

	if h.targetFilter != "" && target != h.targetFilter && !strings.HasPrefix(target, h.targetFilter+"::") {
		return nil
	}

	file, line := "", 0
	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		file = filepath.Base(f.File)
		line = f.Line
	}

	rec := LogRecord{
		Time:    r.Time,
		Level:   r.Level,
		Target:  target,
		File:    file,
		Line:    line,
		Message: formatMessage(r.Message, attrs),
	}
	for _, hh := range h.handlers {
		hh.Handle(rec)
	}
	return nil
}

func formatMessage(msg string, attrs []slog.Attr) string {
	var b strings.Builder
	b.WriteString(msg)
	for _, a := range attrs {
		if a.Key == "target" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	return b.String()
}

func (h *daemonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.storedAttrs = append(append([]slog.Attr{}, h.storedAttrs...), attrs...)
	return &nh
}

func (h *daemonHandler) WithGroup(_ string) slog.Handler {
	return h
}

func levelLetter(l slog.Level) string {
	switch {
	case l >= LevelError:
		return "E"
	case l >= LevelWarn:
		return "W"
	case l >= LevelInfo:
		return "I"
	case l >= LevelDebug:
		return "D"
	default:
		return "T"
	}
}

// StderrHandler writes one line per record to an io.Writer (stderr in
// production), guarded by a mutex so concurrent tick/consumer/email
// goroutines never interleave a line.
type StderrHandler struct {
	mu        sync.Mutex
	w         io.Writer
	debugMode bool
}

// NewStderrHandler builds a handler writing to os.Stderr. debugMode
// switches between the terse "L: message" format and the verbose
// "[file:line] L: message" format.
func NewStderrHandler(debugMode bool) *StderrHandler {
	return &StderrHandler{w: os.Stderr, debugMode: debugMode}
}

func (h *StderrHandler) Handle(rec LogRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintln(h.w, formatLine(rec, h.debugMode))
}

func formatLine(rec LogRecord, debugMode bool) string {
	letter := levelLetter(rec.Level)
	if !debugMode {
		return fmt.Sprintf("%s: %s", letter, rec.Message)
	}
	origin := rec.File
	if origin == "" {
		origin = rec.Target
	}
	return fmt.Sprintf("[%-16.16s:%04d] %s: %s", origin, rec.Line, letter, rec.Message)
}

const (
	firstEmailDelay        = time.Minute
	minEmailSendingPeriod  = time.Hour
)

// EmailHandler batches Error-level records and flushes them as a single
// email no sooner than firstEmailDelay after the first error in a batch,
// and never more often than once per minEmailSendingPeriod. fallback
// receives a record describing any send failure, so a broken mail relay
// never becomes a silent loss nor a recursive Error log.
type EmailHandler struct {
	mu sync.Mutex

	mailer   *Mailer
	fallback logHandler
	nowFunc  func() time.Time

	errorsBuf     []string
	flushTime     *time.Time
	lastFlushTime *time.Time
	timer         *time.Timer
	stopped       bool
}

// NewEmailHandler builds an EmailHandler. fallback is typically a
// StderrHandler so a failed send is still visible.
func NewEmailHandler(mailer *Mailer, fallback logHandler) *EmailHandler {
	return &EmailHandler{mailer: mailer, fallback: fallback, nowFunc: time.Now}
}

func (h *EmailHandler) Handle(rec LogRecord) {
	if rec.Level < LevelError {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorsBuf = append(h.errorsBuf, rec.Message)
	if len(h.errorsBuf) == 1 {
		h.scheduleFlushLocked()
	}
}

// scheduleFlushLocked computes the next flush instant: firstEmailDelay
// after the first buffered error, pushed out further if the last flush was
// too recent to satisfy minEmailSendingPeriod. Must be called with mu held.
func (h *EmailHandler) scheduleFlushLocked() {
	now := h.nowFunc()
	flushAt := now.Add(firstEmailDelay)
	if h.lastFlushTime != nil {
		if minAt := h.lastFlushTime.Add(minEmailSendingPeriod); minAt.After(flushAt) {
			flushAt = minAt
		}
	}
	h.flushTime = &flushAt

	delay := flushAt.Sub(now)
	if h.timer == nil {
		h.timer = time.AfterFunc(delay, h.onTimer)
	} else {
		h.timer.Reset(delay)
	}
}

// onTimer is the self-referencing flush worker: it is scheduled by
// scheduleFlushLocked and, on firing, sends whatever has accumulated. It
// holds a direct method-value reference to h (Go has no weak pointers, and
// none is needed: EmailHandler lives for the process lifetime), but honors
// the same "wake and let it decide to exit" shape the rest of the pipeline
// uses for its other background loops.
func (h *EmailHandler) onTimer() {
	h.mu.Lock()
	errs := h.errorsBuf
	h.errorsBuf = nil
	h.flushTime = nil
	if len(errs) > 0 {
		now := h.nowFunc()
		h.lastFlushTime = &now
	}
	h.mu.Unlock()

	if len(errs) == 0 {
		return
	}
	if err := h.mailer.Send("daemon errors", buildErrorEmailBody(errs)); err != nil {
		h.fallback.Handle(LogRecord{
			Time:    h.nowFunc(),
			Level:   LevelError,
			Target:  appTarget + "::logger",
			Message: fmt.Sprintf("failed to send error email: %v", err),
		})
		return
	}
	emailsSentTotal.Inc()
}

func buildErrorEmailBody(errs []string) string {
	var b strings.Builder
	b.WriteString("The following errors has occurred:\n")
	for _, e := range errs {
		fmt.Fprintf(&b, "* %s\n", e)
	}
	return b.String()
}

// Shutdown flushes any pending batch immediately. Called once, from the
// daemon harness, on clean shutdown.
func (h *EmailHandler) Shutdown() {
	h.mu.Lock()
	h.stopped = true
	pending := h.flushTime != nil
	h.mu.Unlock()
	if pending {
		h.onTimer()
	}
}

// Logger is the daemon-wide logging facility: a filtered fan-out to
// stderr and, optionally, batched error email.
type Logger struct {
	handler *daemonHandler
	email   *EmailHandler
}

// NewLogger builds a Logger. email may be nil to disable error email
// entirely.
func NewLogger(minLevel slog.Level, targetFilter string, debugMode bool, email *EmailHandler) *Logger {
	handlers := []logHandler{NewStderrHandler(debugMode)}
	if email != nil {
		handlers = append(handlers, email)
	}
	return &Logger{
		handler: newDaemonHandler(minLevel, targetFilter, handlers),
		email:   email,
	}
}

// Slog returns an *slog.Logger backed by this Logger's handler.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(l.handler)
}

// Close flushes any pending error email. Safe to call once at shutdown.
func (l *Logger) Close() {
	if l.email != nil {
		l.email.Shutdown()
	}
}

// levelForDebugCount maps the repeated -d/--debug flag count to a minimum
// slog.Level: 0=Info, 1=Debug, >=2=Trace.
func levelForDebugCount(n int) slog.Level {
	switch {
	case n <= 0:
		return LevelInfo
	case n == 1:
		return LevelDebug
	default:
		return LevelTrace
	}
}

// targetFilterForDebugCount narrows logging to this daemon's own
// components by default, widening to every target (including anything a
// third-party dependency logs through the installed default logger) once
// -d is given three or more times.
func targetFilterForDebugCount(n int) string {
	if n >= 3 {
		return ""
	}
	return appTarget
}
