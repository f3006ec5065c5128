/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"log/slog"
	"testing"
	"time"
)

type recordingHandler struct {
	records []LogRecord
}

func (r *recordingHandler) Handle(rec LogRecord) {
	r.records = append(r.records, rec)
}

func TestDaemonHandlerLevelFilter(t *testing.T) {
	rec := &recordingHandler{}
	h := newDaemonHandler(LevelInfo, "", []logHandler{rec})
	log := slog.New(h)

	log.Debug("should be dropped")
	log.Info("should pass")
	log.Error("should also pass")

	if len(rec.records) != 2 {
		t.Fatalf("expected 2 records to pass the filter, got %d", len(rec.records))
	}
}

func TestDaemonHandlerTargetFilter(t *testing.T) {
	rec := &recordingHandler{}
	h := newDaemonHandler(LevelInfo, "trctld", []logHandler{rec})
	log := slog.New(h)

	log.With("target", "trctld::controller").Info("matches root")
	log.With("target", "somethingelse").Info("does not match")
	log.Info("no target at all")

	if len(rec.records) != 1 {
		t.Fatalf("expected exactly 1 record to pass the target filter, got %d", len(rec.records))
	}
	if rec.records[0].Target != "trctld::controller" {
		t.Errorf("unexpected surviving record target %q", rec.records[0].Target)
	}
}

func TestFormatLine(t *testing.T) {
	rec := LogRecord{Level: LevelWarn, Message: "disk nearly full", File: "controller.go", Line: 42}
	terse := formatLine(rec, false)
	if terse != "W: disk nearly full" {
		t.Errorf("terse format = %q", terse)
	}
	verbose := formatLine(rec, true)
	if verbose != "[controller.go   :0042] W: disk nearly full" {
		t.Errorf("verbose format = %q", verbose)
	}
}

func TestEmailHandlerIgnoresNonErrorLevels(t *testing.T) {
	h := NewEmailHandler(&Mailer{}, &recordingHandler{})
	h.Handle(LogRecord{Level: LevelWarn, Message: "just a warning"})
	if len(h.errorsBuf) != 0 {
		t.Fatalf("expected warnings to be ignored, buffered %d", len(h.errorsBuf))
	}
}

func TestEmailHandlerSchedulesFirstFlushAndRespectsMinSpacing(t *testing.T) {
	fallback := &recordingHandler{}
	h := NewEmailHandler(&Mailer{}, fallback)
	defer func() {
		if h.timer != nil {
			h.timer.Stop()
		}
	}()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.nowFunc = func() time.Time { return base }

	h.Handle(LogRecord{Level: LevelError, Message: "first failure"})
	if h.flushTime == nil {
		t.Fatal("expected a scheduled flush time")
	}
	wantFirst := base.Add(firstEmailDelay)
	if !h.flushTime.Equal(wantFirst) {
		t.Errorf("flushTime = %v, want %v", h.flushTime, wantFirst)
	}

	// A second error before the flush fires should not push the flush time
	// out further — it only ever moves to satisfy min spacing since the
	// last actual send.
	h.Handle(LogRecord{Level: LevelError, Message: "second failure"})
	if !h.flushTime.Equal(wantFirst) {
		t.Errorf("flushTime changed on a second error: got %v, want %v", h.flushTime, wantFirst)
	}
	if len(h.errorsBuf) != 2 {
		t.Fatalf("expected both errors buffered, got %d", len(h.errorsBuf))
	}

	// Simulate a flush having just happened 30 minutes ago: the next
	// scheduled flush must honor minEmailSendingPeriod, not firstEmailDelay.
	h.timer.Stop()
	h.errorsBuf = nil
	h.flushTime = nil
	last := base.Add(-30 * time.Minute)
	h.lastFlushTime = &last

	h.Handle(LogRecord{Level: LevelError, Message: "third failure"})
	wantSecond := last.Add(minEmailSendingPeriod)
	if !h.flushTime.Equal(wantSecond) {
		t.Errorf("flushTime = %v, want %v (min spacing enforced)", h.flushTime, wantSecond)
	}
	if wantSecond.Sub(*h.lastFlushTime) < minEmailSendingPeriod {
		t.Error("scheduled flush violates minEmailSendingPeriod")
	}
}

func TestLevelForDebugCount(t *testing.T) {
	if levelForDebugCount(0) != LevelInfo {
		t.Error("0 debug flags should map to Info")
	}
	if levelForDebugCount(1) != LevelDebug {
		t.Error("1 debug flag should map to Debug")
	}
	if levelForDebugCount(2) != LevelTrace {
		t.Error("2 debug flags should map to Trace")
	}
	if levelForDebugCount(5) != LevelTrace {
		t.Error(">=2 debug flags should map to Trace")
	}
}

func TestTargetFilterForDebugCount(t *testing.T) {
	if targetFilterForDebugCount(0) != appTarget {
		t.Error("default verbosity should scope to appTarget")
	}
	if targetFilterForDebugCount(3) != "" {
		t.Error("-d x3 should widen to every target")
	}
}
