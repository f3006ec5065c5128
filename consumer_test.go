/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() (*slog.Logger, *recordingHandler) {
	rec := &recordingHandler{}
	h := newDaemonHandler(LevelTrace, "", []logHandler{rec})
	return slog.New(h), rec
}

func TestValidateTorrentFileName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "simple file", in: "movie.mkv"},
		{name: "nested file", in: "Movie/movie.mkv"},
		{name: "absolute path", in: "/etc/passwd", wantErr: true},
		{name: "parent traversal", in: "../../etc/passwd", wantErr: true},
		{name: "embedded traversal", in: "Movie/../../../etc/passwd", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "dot component", in: "Movie/./movie.mkv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateTorrentFileName(tt.in)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %q", tt.in)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.in, err)
			}
		})
	}
}

func TestIsHiddenBaseName(t *testing.T) {
	if isHiddenBaseName(".partial/movie.mkv") {
		t.Error("a hidden directory ancestor should not matter, only the file's own name")
	}
	if !isHiddenBaseName("Movie/.hidden-subfile") {
		t.Error("expected a hidden basename to be detected regardless of directory depth")
	}
	if isHiddenBaseName("a/x") {
		t.Error("a plain basename should not be treated as hidden")
	}
}

func TestCopyFileWaitsForPart(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "movie.mkv")
	dst := filepath.Join(dir, "out", "movie.mkv")
	partPath := src + ".part"

	if err := os.WriteFile(partPath, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		os.Rename(partPath, src)
	}()

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("copied content = %q", data)
	}
}

func TestCopyFileRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "movie.mkv")
	dst := filepath.Join(dir, "movie.mkv.dst")
	if err := os.WriteFile(src, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := copyFile(src, dst); err == nil {
		t.Fatal("expected an error when the destination already exists")
	}
}

func newTestConsumerForMove(t *testing.T) (*Consumer, string, string) {
	t.Helper()
	copyTo := t.TempDir()
	moveTo := t.TempDir()
	log, _ := testLogger()
	c := &Consumer{
		inProcess: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		cfg:       &Config{CopyTo: copyTo, MoveTo: moveTo},
		log:       log,
	}
	return c, copyTo, moveTo
}

func TestMoveRootSimple(t *testing.T) {
	c, copyTo, moveTo := newTestConsumerForMove(t)
	if err := os.Mkdir(filepath.Join(copyTo, "Movie"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := c.moveRoot("Movie"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pathExists(filepath.Join(moveTo, "Movie")) {
		t.Error("expected Movie to land directly in move_to")
	}
}

func TestMoveRootCollisionUsesDupPrefix(t *testing.T) {
	c, copyTo, moveTo := newTestConsumerForMove(t)
	if err := os.Mkdir(filepath.Join(copyTo, "Movie"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(moveTo, "Movie"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := c.moveRoot("Movie"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pathExists(filepath.Join(moveTo, "DUP_1.Movie")) {
		t.Error("expected Movie to land at DUP_1.Movie")
	}
}

func TestMoveRootAllTenNamesTakenFailsPersistently(t *testing.T) {
	c, copyTo, moveTo := newTestConsumerForMove(t)
	if err := os.Mkdir(filepath.Join(copyTo, "Movie"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(moveTo, "Movie"), 0o755); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= 9; n++ {
		name := filepath.Join(moveTo, filepathDupName(n, "Movie"))
		if err := os.Mkdir(name, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.moveRoot("Movie"); err == nil {
		t.Fatal("expected a persistent failure once all 10 names collide")
	}
}

func filepathDupName(n int, root string) string {
	return "DUP_" + itoa(n) + "." + root
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func TestCheckAbandonedFilesLogsNonHiddenEntries(t *testing.T) {
	log, rec := testLogger()
	copyTo := t.TempDir()
	moveTo := t.TempDir()
	if err := os.WriteFile(filepath.Join(copyTo, "leftover.mkv"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(copyTo, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := &Consumer{cfg: &Config{CopyTo: copyTo, MoveTo: moveTo}, log: log}
	c.CheckAbandonedFiles()

	if len(rec.records) != 1 {
		t.Fatalf("expected exactly 1 abandoned-file log record, got %d", len(rec.records))
	}
}
