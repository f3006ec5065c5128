/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trctld_controller_ticks_total",
		Help: "Number of reconciliation ticks the controller has run.",
	})
	tickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trctld_controller_tick_errors_total",
		Help: "Number of reconciliation ticks that returned an error.",
	})
	torrentsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trctld_torrents_started_total",
		Help: "Number of torrent-start commands issued.",
	})
	torrentsStoppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trctld_torrents_stopped_total",
		Help: "Number of torrent-stop commands issued.",
	})
	torrentsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trctld_torrents_removed_total",
		Help: "Number of torrent-remove commands issued, for any reason.",
	})
	consumeOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trctld_consume_outcomes_total",
		Help: "Number of consume attempts, by outcome.",
	}, []string{"outcome"})
	emailsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trctld_emails_sent_total",
		Help: "Number of batched error emails successfully sent.",
	})
)

// ServeMetrics exposes the Prometheus registry over HTTP at addr. It is a
// no-op when addr is empty.
func ServeMetrics(addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server exited", "target", appTarget+"::metrics", "error", err)
		}
	}()
}
