/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const (
	// manualModeMaxDuration bounds how long the engine's manual-override
	// flag is honored before the controller forces it back off, in case a
	// user (or a crashed companion process) left it engaged indefinitely.
	manualModeMaxDuration = 24 * time.Hour

	// startupWarnWindow is how long after launch a tick failure is logged
	// as Warn instead of Error, since the upstream engine is often still
	// starting up at the same time this daemon is.
	startupWarnWindow = 60 * time.Second
)

// ControllerState is the reconciliation tick's resolved target for the
// engine's ambient run state.
type ControllerState int

const (
	StateActive ControllerState = iota
	StatePaused
	StateManual
)

// Controller runs one reconciliation tick at a time: decide the desired
// ambient state, apply it per torrent, hand finished torrents to the
// consumer, and free disk space when the configured threshold is crossed.
type Controller struct {
	client   RpcClient
	consumer *Consumer
	cfg      *Config
	log      *slog.Logger

	startedAt   time.Time
	manualSince *time.Time
	nowFunc     func() time.Time
}

// NewController builds a Controller.
func NewController(client RpcClient, consumer *Consumer, cfg *Config, log *slog.Logger) *Controller {
	return &Controller{
		client:    client,
		consumer:  consumer,
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
		nowFunc:   time.Now,
	}
}

// Tick runs a single reconciliation pass, logging and swallowing any
// error rather than letting it propagate out of the daemon's main loop.
func (ctl *Controller) Tick() {
	ticksTotal.Inc()
	if err := ctl.tick(); err != nil {
		tickErrorsTotal.Inc()
		ctl.logTickError(err)
	}
}

func (ctl *Controller) logTickError(err error) {
	if time.Since(ctl.startedAt) < startupWarnWindow {
		ctl.log.Warn("controller tick failed during startup grace window",
			"target", appTarget+"::controller", "error", err)
		return
	}
	ctl.log.Error("controller tick failed", "target", appTarget+"::controller", "error", err)
}

func (ctl *Controller) tick() error {
	state, err := ctl.decideState()
	if err != nil {
		return err
	}

	// Snapshot the consumer's queue before listing torrents, so a torrent
	// that finishes between the two calls is picked up next tick instead
	// of being raced against its own in-flight consume.
	inProcess := ctl.consumer.InProcess()

	torrents, err := ctl.client.GetTorrents()
	if err != nil {
		return err
	}

	var removable []Torrent
	for _, t := range torrents {
		if err := ctl.applyState(state, t); err != nil {
			ctl.log.Error("failed to apply desired state to torrent", "target", appTarget+"::controller",
				"hash", t.Hash, "error", err)
		}

		if !t.Done() {
			continue
		}
		if _, busy := inProcess[t.Hash]; busy {
			continue
		}
		if !t.Processed() {
			ctl.consumer.Consume(t.Hash)
			continue
		}

		removed, err := ctl.maybeRemoveBySeedOrRatio(t)
		if err != nil {
			ctl.log.Error("failed removing torrent", "target", appTarget+"::controller",
				"hash", t.Hash, "error", err)
			continue
		}
		if !removed {
			removable = append(removable, t)
		}
	}

	if err := ctl.cleanupFreeSpace(removable); err != nil {
		ctl.log.Error("free space cleanup failed", "target", appTarget+"::controller", "error", err)
	}
	return nil
}

// decideState resolves ControllerState for this tick: Manual when no
// --action was configured or the engine's manual-override flag is
// engaged (and has been for less than manualModeMaxDuration), otherwise
// Active or Paused per the configured schedule.
func (ctl *Controller) decideState() (ControllerState, error) {
	if ctl.cfg.Action == ActionNone {
		return StateManual, nil
	}

	manual, err := ctl.client.IsManualMode()
	if err != nil {
		return 0, err
	}
	now := ctl.nowFunc()

	if !manual {
		ctl.manualSince = nil
	} else {
		if ctl.manualSince == nil {
			since := now
			ctl.manualSince = &since
		} else if now.Sub(*ctl.manualSince) > manualModeMaxDuration {
			if err := ctl.client.SetManualMode(false); err != nil {
				ctl.log.Error("failed to clear stuck manual mode", "target", appTarget+"::controller", "error", err)
			} else {
				ctl.log.Error("manual mode was left engaged too long; forcibly disengaged",
					"target", appTarget+"::controller", "since", ctl.manualSince.Format(time.RFC3339))
			}
			ctl.manualSince = nil
		}
		if ctl.manualSince != nil {
			return StateManual, nil
		}
	}

	if desiredActive(ctl.cfg.Action, ctl.cfg.ActionPeriods, now) {
		return StateActive, nil
	}
	return StatePaused, nil
}

func (ctl *Controller) applyState(state ControllerState, t Torrent) error {
	switch state {
	case StateActive:
		if t.Status == StatusPaused {
			torrentsStartedTotal.Inc()
			return ctl.client.Start(t.Hash)
		}
	case StatePaused:
		if t.Status != StatusPaused {
			torrentsStoppedTotal.Inc()
			return ctl.client.Stop(t.Hash)
		}
	}
	return nil
}

// maybeRemoveBySeedOrRatio removes t if it has exceeded the configured
// seed-time limit or upload-ratio limit.
func (ctl *Controller) maybeRemoveBySeedOrRatio(t Torrent) (bool, error) {
	if ctl.cfg.SeedTimeLimit > 0 {
		if doneTime, ok := t.DoneTime(); ok && ctl.nowFunc().Sub(doneTime) >= ctl.cfg.SeedTimeLimit {
			torrentsRemovedTotal.Inc()
			return true, ctl.client.Remove(t.Hash)
		}
	}
	if ctl.cfg.UploadRatioLimit > 0 && t.UploadRatio >= ctl.cfg.UploadRatioLimit {
		torrentsRemovedTotal.Inc()
		return true, ctl.client.Remove(t.Hash)
	}
	return false, nil
}

// cleanupFreeSpace removes already-processed torrents from candidates,
// oldest-done-first, until the configured device's free space rises above
// the free-space threshold or candidates runs out.
func (ctl *Controller) cleanupFreeSpace(candidates []Torrent) error {
	if ctl.cfg.FreeSpaceThreshold <= 0 {
		return nil
	}

	usage, err := GetDeviceUsage(ctl.cfg.CommandRunner, ctl.cfg.DownloadDir)
	if err != nil {
		return err
	}
	if 100-usage.UsePercent > ctl.cfg.FreeSpaceThreshold {
		return nil
	}

	var eligible []Torrent
	for _, t := range candidates {
		if t.DownloadDir == ctl.cfg.DownloadDir {
			eligible = append(eligible, t)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		ti, oki := eligible[i].DoneTime()
		tj, okj := eligible[j].DoneTime()
		if !oki {
			return false // missing done time sorts last (+inf)
		}
		if !okj {
			return true
		}
		return ti.Before(tj)
	})

	for _, t := range eligible {
		if err := ctl.client.Remove(t.Hash); err != nil {
			return fmt.Errorf("removing %s for free space: %w", t.Hash, err)
		}
		torrentsRemovedTotal.Inc()

		usage, err := GetDeviceUsage(ctl.cfg.CommandRunner, ctl.cfg.DownloadDir)
		if err != nil {
			return err
		}
		if 100-usage.UsePercent > ctl.cfg.FreeSpaceThreshold {
			return nil
		}
	}
	return nil
}
