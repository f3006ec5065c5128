/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// cliOptions mirrors the daemon's command-line surface. Flag shapes follow
// the teacher's go-flags `options` struct: short/long/description tags fed
// straight to flags.NewParser.
type cliOptions struct {
	Action                string   `short:"a" long:"action" description:"start-or-pause or pause-or-start"`
	Periods               []string `short:"p" long:"period" description:"D[-D]/HH:MM-HH:MM schedule period, repeatable"`
	CopyTo                string   `short:"c" long:"copy-to" description:"Directory finished torrents are copied into"`
	MoveTo                string   `short:"m" long:"move-to" description:"Directory finished torrents are moved into after copy"`
	SeedTimeLimit         string   `short:"l" long:"seed-time-limit" description:"Seed time limit, e.g. 30m, 2h, 1d"`
	FreeSpaceThreshold    int      `short:"s" long:"free-space-threshold" description:"Free space threshold percent (0-100)" default:"-1"`
	EmailFrom             string   `short:"f" long:"email-from" description:"From address for outgoing email"`
	EmailErrors           string   `short:"e" long:"email-errors" description:"Address to send batched error emails to"`
	EmailNotifications    string   `short:"n" long:"email-notifications" description:"Address to send downloaded notifications to"`
	DownloadedTemplate    string   `short:"t" long:"torrent-downloaded-email-template" description:"Path to the downloaded-notification email template"`
	Debug                 []bool   `short:"d" long:"debug" description:"Increase log verbosity (repeatable)"`
	ConfigPath            string   `long:"config" description:"Path to the JSON settings file" default:""`
	MetricsListen         string   `long:"metrics-listen" description:"Optional address to expose Prometheus metrics on"`
}

// Config is the merged, validated configuration the rest of the daemon
// operates on. It is built once at startup and never mutated afterward.
type Config struct {
	DownloadDir string
	RpcURL      string
	RpcUser     string
	RpcPass     string

	Action        Action
	ActionPeriods *WeekPeriods

	CopyTo string
	MoveTo string

	SeedTimeLimit      time.Duration
	UploadRatioLimit   float64
	FreeSpaceThreshold int

	ErrorMailer         *Mailer
	NotificationsMailer *Mailer
	DownloadedTemplate  *EmailTemplate

	CommandRunner CommandRunner

	DebugLevel           int
	MetricsListenAddress string
}

// settingsFile is the subset of the upstream engine's own settings.json
// this daemon reads to discover how to reach it, rather than asking the
// user to repeat the RPC endpoint on the command line.
type settingsFile struct {
	DownloadDir         string
	RpcEnabled          bool
	RpcBindAddress      string
	RpcPort             int
	RpcURL              string
	RpcAuthRequired     bool
	RpcUsername         string
	RpcPlainPassword    string
	UploadRatioLimit    float64
	uploadRatioLimitSet bool
}

func defaultSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".config", "trctld", "settings.json"), nil
}

// loadSettingsFile reads path as JSON via viper, accepting both the dash-
// and underscore-separated key spellings the upstream engine's own
// settings.json mixes.
func loadSettingsFile(path string) (*settingsFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	}

	getString := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v.IsSet(k) {
				return v.GetString(k), true
			}
		}
		return "", false
	}
	getBool := func(keys ...string) (bool, bool) {
		for _, k := range keys {
			if v.IsSet(k) {
				return v.GetBool(k), true
			}
		}
		return false, false
	}
	getInt := func(keys ...string) (int, bool) {
		for _, k := range keys {
			if v.IsSet(k) {
				return v.GetInt(k), true
			}
		}
		return 0, false
	}
	getFloat := func(keys ...string) (float64, bool) {
		for _, k := range keys {
			if v.IsSet(k) {
				return v.GetFloat64(k), true
			}
		}
		return 0, false
	}

	sf := &settingsFile{}
	if s, ok := getString("download_dir", "download-dir"); ok {
		sf.DownloadDir = s
	}
	if b, ok := getBool("rpc_enabled", "rpc-enabled"); ok {
		sf.RpcEnabled = b
	}
	if s, ok := getString("rpc_bind_address", "rpc-bind-address"); ok {
		sf.RpcBindAddress = s
	}
	if i, ok := getInt("rpc_port", "rpc-port"); ok {
		sf.RpcPort = i
	}
	if s, ok := getString("rpc_url", "rpc-url"); ok {
		sf.RpcURL = s
	}
	if b, ok := getBool("rpc_authentication_required", "rpc-authentication-required"); ok {
		sf.RpcAuthRequired = b
	}
	if s, ok := getString("rpc_username", "rpc-username"); ok {
		sf.RpcUsername = s
	}
	if s, ok := getString("rpc_plain_password", "rpc-plain-password"); ok {
		sf.RpcPlainPassword = s
	}
	if f, ok := getFloat("upload_ratio_limit", "upload-ratio-limit"); ok {
		sf.UploadRatioLimit = f
		sf.uploadRatioLimitSet = true
	}
	return sf, nil
}

// LoadConfig reads the settings file named by cli.ConfigPath (or the
// default path), validates it, and merges CLI flags on top.
func LoadConfig(cli *cliOptions) (*Config, error) {
	path := cli.ConfigPath
	if path == "" {
		p, err := defaultSettingsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	sf, err := loadSettingsFile(path)
	if err != nil {
		return nil, err
	}
	if !sf.RpcEnabled {
		return nil, errors.New("settings file must have rpc_enabled = true")
	}
	if sf.RpcBindAddress == "" {
		return nil, errors.New("settings file must set a non-empty rpc_bind_address")
	}
	if sf.DownloadDir == "" || !filepath.IsAbs(sf.DownloadDir) {
		return nil, fmt.Errorf("download_dir must be an absolute path, got %q", sf.DownloadDir)
	}

	rpcURL := sf.RpcURL
	if rpcURL == "" {
		port := sf.RpcPort
		if port == 0 {
			port = 9091
		}
		rpcURL = fmt.Sprintf("http://%s:%d/transmission/rpc", sf.RpcBindAddress, port)
	}

	cfg := &Config{
		DownloadDir:   sf.DownloadDir,
		RpcURL:        rpcURL,
		CommandRunner: execCommandRunner{},
	}
	if sf.RpcAuthRequired {
		cfg.RpcUser = sf.RpcUsername
		cfg.RpcPass = sf.RpcPlainPassword
	}
	if sf.uploadRatioLimitSet {
		cfg.UploadRatioLimit = sf.UploadRatioLimit
	}

	if err := applyCLIOptions(cfg, cli); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyCLIOptions(cfg *Config, cli *cliOptions) error {
	switch cli.Action {
	case "":
		cfg.Action = ActionNone
		if len(cli.Periods) > 0 {
			return errors.New("--period requires --action")
		}
	default:
		action, err := ParseAction(cli.Action)
		if err != nil {
			return err
		}
		cfg.Action = action
		if len(cli.Periods) == 0 {
			return errors.New("--action requires at least one --period")
		}
		wp := &WeekPeriods{}
		for _, p := range cli.Periods {
			if err := AddPeriod(wp, p); err != nil {
				return fmt.Errorf("invalid --period %q: %w", p, err)
			}
		}
		cfg.ActionPeriods = wp
	}

	if cli.CopyTo != "" {
		if err := validateExistingAbsDir(cli.CopyTo, "--copy-to"); err != nil {
			return err
		}
		cfg.CopyTo = cli.CopyTo
	}
	if cli.MoveTo != "" {
		if err := validateExistingAbsDir(cli.MoveTo, "--move-to"); err != nil {
			return err
		}
		cfg.MoveTo = cli.MoveTo
	}
	if cli.MoveTo != "" && cli.CopyTo == "" {
		return errors.New("--move-to requires --copy-to")
	}

	if cli.SeedTimeLimit != "" {
		d, err := ParseDurationSpec(cli.SeedTimeLimit)
		if err != nil {
			return fmt.Errorf("invalid --seed-time-limit: %w", err)
		}
		cfg.SeedTimeLimit = d
	}

	if cli.FreeSpaceThreshold >= 0 {
		if cli.FreeSpaceThreshold > 100 {
			return fmt.Errorf("--free-space-threshold must be 0-100, got %d", cli.FreeSpaceThreshold)
		}
		cfg.FreeSpaceThreshold = cli.FreeSpaceThreshold
	}

	if cli.EmailErrors != "" || cli.EmailNotifications != "" {
		if cli.EmailFrom == "" {
			return errors.New("--email-errors/--email-notifications require --email-from")
		}
	}
	if cli.EmailErrors != "" {
		m, err := NewMailer(cli.EmailFrom, cli.EmailErrors, "")
		if err != nil {
			return fmt.Errorf("invalid --email-errors: %w", err)
		}
		cfg.ErrorMailer = m
	}
	if cli.EmailNotifications != "" {
		m, err := NewMailer(cli.EmailFrom, cli.EmailNotifications, "")
		if err != nil {
			return fmt.Errorf("invalid --email-notifications: %w", err)
		}
		cfg.NotificationsMailer = m
	}

	if cli.DownloadedTemplate != "" {
		tpl, err := LoadEmailTemplate(cli.DownloadedTemplate)
		if err != nil {
			return err
		}
		cfg.DownloadedTemplate = tpl
	} else {
		cfg.DownloadedTemplate = &EmailTemplate{
			Subject: "Torrent downloaded: {{name}}",
			Body:    "{{name}} has finished downloading.\n",
		}
	}

	cfg.DebugLevel = len(cli.Debug)
	cfg.MetricsListenAddress = cli.MetricsListen
	return nil
}

func validateExistingAbsDir(path, flag string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s must be an absolute path, got %q", flag, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s %q: %w", flag, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %q is not a directory", flag, path)
	}
	return nil
}
