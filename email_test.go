/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Torrent {{name}} finished in {{dir}}", map[string]string{
		"name": "Example.Movie.2024",
		"dir":  "/downloads",
	})
	want := "Torrent Example.Movie.2024 finished in /downloads"
	if got != want {
		t.Errorf("RenderTemplate() = %q, want %q", got, want)
	}
}

func TestRenderTemplateLeavesUnknownPlaceholders(t *testing.T) {
	got := RenderTemplate("{{name}} / {{missing}}", map[string]string{"name": "x"})
	want := "x / {{missing}}"
	if got != want {
		t.Errorf("RenderTemplate() = %q, want %q", got, want)
	}
}

func TestLoadEmailTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.txt")
	content := "Torrent downloaded: {{name}}\n\n{{name}} has finished downloading.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tpl, err := LoadEmailTemplate(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Subject != "Torrent downloaded: {{name}}" {
		t.Errorf("Subject = %q", tpl.Subject)
	}
	if tpl.Body != "{{name}} has finished downloading.\n" {
		t.Errorf("Body = %q", tpl.Body)
	}
}

func TestLoadEmailTemplateRejectsMissingDelimiter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.txt")
	if err := os.WriteFile(path, []byte("Subject\nbody line one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEmailTemplate(path); err == nil {
		t.Fatal("expected an error for a non-blank second line")
	}
}

func TestParseEmailAddress(t *testing.T) {
	a, err := ParseEmailAddress("Torrent Daemon <daemon@example.com>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Name != "Torrent Daemon" || a.Addr != "daemon@example.com" {
		t.Errorf("got %+v", a)
	}

	if _, err := ParseEmailAddress("not an address"); err == nil {
		t.Fatal("expected an error for a malformed address")
	}
}

func TestNewMailerDefaultsSMTPAddr(t *testing.T) {
	m, err := NewMailer("from@example.com", "to@example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.addr != "localhost:25" {
		t.Errorf("addr = %q, want localhost:25", m.addr)
	}
}
