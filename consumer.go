/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	consumerRetryDelay   = 60 * time.Second
	partialPollInterval  = 100 * time.Millisecond
	partialPollTimeout   = 5 * time.Second
)

type consumeOutcome int

const (
	outcomeSuccess consumeOutcome = iota
	outcomeCancelled
	outcomeTemporary
	outcomePersistent
)

func (o consumeOutcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeCancelled:
		return "cancelled"
	case outcomeTemporary:
		return "temporary"
	case outcomePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Consumer runs the post-download pipeline: copy, move, mark processed,
// notify. It tracks two sets of hashes, exactly like the teacher's
// mutex-guarded cache map: in_process (queued or being worked) and failed
// (given up on, excluded from further retries).
type Consumer struct {
	mu        sync.Mutex
	inProcess map[string]struct{}
	failed    map[string]struct{}

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	client RpcClient
	cfg    *Config
	log    *slog.Logger
}

// NewConsumer builds a Consumer and starts its background worker.
func NewConsumer(client RpcClient, cfg *Config, log *slog.Logger) *Consumer {
	c := &Consumer{
		inProcess: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		client:    client,
		cfg:       cfg,
		log:       log,
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Consume enqueues hash for processing if it is not already known, and
// wakes the worker.
func (c *Consumer) Consume(hash string) {
	c.mu.Lock()
	if _, known := c.inProcess[hash]; !known {
		c.inProcess[hash] = struct{}{}
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// InProcess returns a snapshot of the hashes currently queued or being
// worked, for the control loop to avoid double-handling a torrent.
func (c *Consumer) InProcess() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.inProcess))
	for h := range c.inProcess {
		out[h] = struct{}{}
	}
	return out
}

// Close stops the worker and waits for it to exit.
func (c *Consumer) Close() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Consumer) loop() {
	defer c.wg.Done()

	var retryTimer *time.Timer
	var retryC <-chan time.Time
	for {
		select {
		case <-c.stop:
			if retryTimer != nil {
				retryTimer.Stop()
			}
			return
		case <-c.wake:
		case <-retryC:
		}

		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryC = nil
		}

		if c.processBatch() {
			retryTimer = time.NewTimer(consumerRetryDelay)
			retryC = retryTimer.C
		}
	}
}

// processBatch walks a snapshot of in_process \ failed, processing each
// hash in turn. It returns true if a Temporary error stopped the batch
// early, asking the caller to retry after consumerRetryDelay.
func (c *Consumer) processBatch() bool {
	c.mu.Lock()
	hashes := make([]string, 0, len(c.inProcess))
	for h := range c.inProcess {
		if _, failed := c.failed[h]; failed {
			continue
		}
		hashes = append(hashes, h)
	}
	c.mu.Unlock()

	for _, hash := range hashes {
		outcome := c.processTorrent(hash)
		consumeOutcomesTotal.WithLabelValues(outcome.String()).Inc()

		switch outcome {
		case outcomeSuccess:
			c.mu.Lock()
			delete(c.inProcess, hash)
			c.mu.Unlock()
		case outcomeCancelled:
			c.mu.Lock()
			delete(c.inProcess, hash)
			c.mu.Unlock()
			c.log.Warn("torrent no longer eligible for processing, dropping from queue",
				"target", appTarget+"::consumer", "hash", hash)
		case outcomeTemporary:
			c.log.Warn("temporary error fetching torrent, retrying batch later",
				"target", appTarget+"::consumer", "hash", hash)
			return true
		case outcomePersistent:
			c.mu.Lock()
			delete(c.inProcess, hash)
			c.failed[hash] = struct{}{}
			c.mu.Unlock()
		}
	}
	return false
}

func (c *Consumer) processTorrent(hash string) consumeOutcome {
	t, err := c.client.GetTorrent(hash)
	if err != nil {
		var rerr *RPCError
		if errors.As(err, &rerr) && rerr.Kind == ErrRPCTorrentNotFound {
			return outcomeCancelled
		}
		return outcomeTemporary
	}
	if !t.Done() {
		return outcomeCancelled
	}
	if err := c.consumeTorrent(t); err != nil {
		c.log.Error("failed to process torrent", "target", appTarget+"::consumer",
			"hash", hash, "name", t.Name, "error", err)
		return outcomePersistent
	}
	return outcomeSuccess
}

// consumeTorrent runs the full pipeline for a single finished torrent:
// copy selected files into copy_to, move each top-level root into
// move_to, mark the torrent processed, and send the downloaded
// notification.
func (c *Consumer) consumeTorrent(t Torrent) error {
	var roots []string
	if c.cfg.CopyTo != "" {
		var err error
		roots, err = c.copySelectedFiles(t)
		if err != nil {
			return err
		}
	}

	if c.cfg.MoveTo != "" {
		for _, root := range roots {
			if err := c.moveRoot(root); err != nil {
				return err
			}
		}
	}

	if err := c.client.SetProcessed(t.Hash); err != nil {
		return fmt.Errorf("marking torrent %s processed: %w", t.Hash, err)
	}

	if c.cfg.NotificationsMailer != nil && c.cfg.DownloadedTemplate != nil {
		vars := map[string]string{"name": t.Name}
		subject := RenderTemplate(c.cfg.DownloadedTemplate.Subject, vars)
		body := RenderTemplate(c.cfg.DownloadedTemplate.Body, vars)
		if err := c.cfg.NotificationsMailer.Send(subject, body); err != nil {
			c.log.Error("failed to send downloaded notification", "target", appTarget+"::consumer",
				"hash", t.Hash, "error", err)
		}
	}
	return nil
}

// copySelectedFiles copies every selected file of t into copy_to,
// rejecting unsafe paths and skipping files whose own name is hidden, and
// returns the distinct top-level root names it created.
func (c *Consumer) copySelectedFiles(t Torrent) ([]string, error) {
	seen := make(map[string]struct{})
	var roots []string

	for _, f := range t.Files {
		if !f.Selected {
			continue
		}
		rel, err := validateTorrentFileName(f.Name)
		if err != nil {
			return nil, fmt.Errorf("torrent %s: %w", t.Hash, err)
		}
		if isHiddenBaseName(rel) {
			continue
		}

		src := filepath.Join(t.DownloadDir, rel)
		dst := filepath.Join(c.cfg.CopyTo, rel)
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}

		root := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		if _, ok := seen[root]; !ok {
			seen[root] = struct{}{}
			roots = append(roots, root)
		}
	}
	return roots, nil
}

// validateTorrentFileName rejects anything that could escape copy_to:
// absolute paths, volume prefixes, and ".."/"."/empty path components.
func validateTorrentFileName(name string) (string, error) {
	slash := filepath.ToSlash(name)
	if slash == "" {
		return "", errors.New("empty file name")
	}
	if strings.HasPrefix(slash, "/") {
		return "", fmt.Errorf("invalid file name %q: absolute path", name)
	}
	if filepath.VolumeName(slash) != "" {
		return "", fmt.Errorf("invalid file name %q: volume prefix", name)
	}
	for _, part := range strings.Split(slash, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid file name %q: component %q not allowed", name, part)
		}
	}
	return filepath.FromSlash(slash), nil
}

func isHiddenBaseName(rel string) bool {
	return strings.HasPrefix(filepath.Base(rel), ".")
}

// copyFile copies src to dst, refusing to overwrite an existing
// destination. If src is momentarily missing because the engine has not
// yet renamed a ".part" file, it polls for up to partialPollTimeout.
func copyFile(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", src, err)
		}
		if waitErr := waitForPart(src); waitErr != nil {
			return waitErr
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination directory for %s: %w", dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating destination %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func waitForPart(src string) error {
	partPath := src + ".part"
	deadline := time.Now().Add(partialPollTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(src); err == nil {
			return nil
		}
		if _, err := os.Stat(partPath); err != nil {
			return fmt.Errorf("neither %s nor %s exist", src, partPath)
		}
		time.Sleep(partialPollInterval)
	}
	return fmt.Errorf("timed out waiting for %s to be renamed from %s", src, partPath)
}

// moveRoot moves a top-level entry from copy_to into move_to, retrying
// under a DUP_{n}. prefix (n = 1..9) when the destination name is already
// taken. Fails persistently once all ten names collide.
func (c *Consumer) moveRoot(root string) error {
	src := filepath.Join(c.cfg.CopyTo, root)
	dst := filepath.Join(c.cfg.MoveTo, root)

	if !pathExists(dst) {
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("moving %s to %s: %w", src, dst, err)
		}
		return nil
	}

	for n := 1; n <= 9; n++ {
		candidate := filepath.Join(c.cfg.MoveTo, fmt.Sprintf("DUP_%d.%s", n, root))
		if pathExists(candidate) {
			continue
		}
		if err := os.Rename(src, candidate); err != nil {
			return fmt.Errorf("moving %s to %s: %w", src, candidate, err)
		}
		return nil
	}
	return fmt.Errorf("moving %s: destination %s and all DUP_1..DUP_9 variants are taken", src, dst)
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CheckAbandonedFiles is run once at startup: any non-hidden entry left
// over in copy_to from a previous crash (after copy but before move) is
// logged loudly rather than auto-moved, since a half-copied tree could
// silently clobber a good one.
func (c *Consumer) CheckAbandonedFiles() {
	if c.cfg.CopyTo == "" || c.cfg.MoveTo == "" {
		return
	}
	entries, err := os.ReadDir(c.cfg.CopyTo)
	if err != nil {
		c.log.Error("failed to list copy-to directory for abandoned files",
			"target", appTarget+"::consumer", "error", err)
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		c.log.Error("abandoned file from a previous crash found in copy-to directory; move or delete it manually",
			"target", appTarget+"::consumer", "name", e.Name())
	}
}
