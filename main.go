/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	flags "github.com/jessevdk/go-flags"
)

const tickInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var cli cliOptions
	parser := flags.NewParser(&cli, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}

	cfg, err := LoadConfig(&cli)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	var emailHandler *EmailHandler
	if cfg.ErrorMailer != nil {
		emailHandler = NewEmailHandler(cfg.ErrorMailer, NewStderrHandler(cfg.DebugLevel > 0))
	}

	logger := NewLogger(
		levelForDebugCount(cfg.DebugLevel),
		targetFilterForDebugCount(cfg.DebugLevel),
		cfg.DebugLevel > 0,
		emailHandler,
	)
	defer logger.Close()

	baseLog := logger.Slog()
	slog.SetDefault(baseLog)

	client := NewClient(cfg.RpcURL, cfg.RpcUser, cfg.RpcPass)

	consumer := NewConsumer(client, cfg, baseLog.With("target", appTarget+"::consumer"))
	defer consumer.Close()
	consumer.CheckAbandonedFiles()

	controller := NewController(client, consumer, cfg, baseLog.With("target", appTarget+"::controller"))

	ServeMetrics(cfg.MetricsListenAddress, baseLog.With("target", appTarget+"::metrics"))

	daemonLog := baseLog.With("target", appTarget+"::daemon")

	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		daemonLog.Warn("failed to create settings file watcher", "error", werr)
	} else {
		defer watcher.Close()
		if cli.ConfigPath != "" {
			if err := watcher.Add(cli.ConfigPath); err != nil {
				daemonLog.Warn("failed to watch settings file", "path", cli.ConfigPath, "error", err)
			}
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	daemonLog.Info("daemon started")
	for {
		select {
		case <-stop:
			daemonLog.Info("shutting down")
			return 0
		case <-ticker.C:
			controller.Tick()
		case event, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if event.Has(fsnotify.Write) {
				daemonLog.Warn("settings file changed on disk; restart the daemon to apply changes",
					"path", event.Name)
			}
		}
	}
}

// watcherEvents returns w's event channel, or nil (which blocks forever in
// a select) when w itself is nil.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}
