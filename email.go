/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"bytes"
	"fmt"
	"net/mail"
	"net/smtp"
	"os"
	"strings"
)

// EmailAddress is a parsed, validated RFC 5322 address.
type EmailAddress struct {
	Name string
	Addr string
}

// ParseEmailAddress validates s as a single RFC 5322 mailbox.
func ParseEmailAddress(s string) (EmailAddress, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return EmailAddress{}, fmt.Errorf("parsing email address %q: %w", s, err)
	}
	return EmailAddress{Name: a.Name, Addr: a.Address}, nil
}

func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Addr
	}
	return (&mail.Address{Name: a.Name, Address: a.Addr}).String()
}

// EmailTemplate is the downloaded-notification template: a subject line
// and a body, both subject to {{key}} substitution.
type EmailTemplate struct {
	Subject string
	Body    string
}

// LoadEmailTemplate reads a template file whose first line is the subject,
// whose second line is a blank delimiter, and whose remainder is the body.
func LoadEmailTemplate(path string) (*EmailTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading email template %s: %w", path, err)
	}
	lines := strings.SplitN(string(data), "\n", 3)
	if len(lines) < 3 {
		return nil, fmt.Errorf("email template %s must have a subject, a blank line, and a body", path)
	}
	subject := strings.TrimSpace(lines[0])
	if subject == "" {
		return nil, fmt.Errorf("email template %s: subject line must not be empty", path)
	}
	if strings.TrimSpace(lines[1]) != "" {
		return nil, fmt.Errorf("email template %s: second line must be blank", path)
	}
	return &EmailTemplate{Subject: subject, Body: lines[2]}, nil
}

// RenderTemplate substitutes every {{key}} occurrence in s with its value
// from vars. Unknown placeholders are left untouched.
func RenderTemplate(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}

// Mailer sends plain-text email to a single fixed recipient over
// unauthenticated local SMTP, matching how the upstream engine's host is
// assumed to have a local MTA (the way Transmission's own notify-script
// convention does).
type Mailer struct {
	from EmailAddress
	to   EmailAddress
	addr string
}

// NewMailer builds a Mailer. smtpAddr defaults to "localhost:25" when
// empty.
func NewMailer(from, to, smtpAddr string) (*Mailer, error) {
	f, err := ParseEmailAddress(from)
	if err != nil {
		return nil, err
	}
	t, err := ParseEmailAddress(to)
	if err != nil {
		return nil, err
	}
	if smtpAddr == "" {
		smtpAddr = "localhost:25"
	}
	return &Mailer{from: f, to: t, addr: smtpAddr}, nil
}

// Send delivers a single message with the given subject/body.
func (m *Mailer) Send(subject, body string) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", m.to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n\r\n", subject)
	buf.WriteString(body)

	if err := smtp.SendMail(m.addr, nil, m.from.Addr, []string{m.to.Addr}, buf.Bytes()); err != nil {
		return fmt.Errorf("sending email to %s: %w", m.to.Addr, err)
	}
	return nil
}
