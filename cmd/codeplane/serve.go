// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/dfinson/codeplane/internal/dispatch"
	"github.com/dfinson/codeplane/internal/wire"
)

var (
	dispatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codeplane_dispatch_requests_total",
		Help: "Total dispatch operations handled, labeled by op and outcome.",
	}, []string{"op", "outcome"})
	dispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "codeplane_dispatch_duration_seconds",
		Help: "Dispatch operation latency.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(dispatchRequests, dispatchLatency)
}

// runServe starts the HTTP front end: POST /dispatch accepts one
// dispatch.Envelope as JSON and returns its dispatch.Response, and
// /metrics exposes Prometheus counters for every operation handled.
func runServe(args []string, repoRoot string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":7475", "HTTP listen address")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := LoadConfig(repoRoot)
	if err != nil {
		logger.Error("serve.load_config_failed", "err", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, store, err := wire.Build(ctx, repoRoot, cfg, logger)
	if err != nil {
		logger.Error("serve.wire_failed", "err", err)
		return 1
	}
	defer store.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/dispatch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req dispatch.Envelope
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		start := time.Now()
		resp := svc.Dispatch(r.Context(), req)
		dispatchLatency.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())

		outcome := "ok"
		status := http.StatusOK
		if resp.Err != nil {
			outcome = string(resp.Err.Code)
			status = http.StatusUnprocessableEntity
		}
		dispatchRequests.WithLabelValues(req.Op, outcome).Inc()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	if !globals.Quiet {
		fmt.Printf("codeplane serving on %s (repo=%s)\n", *addr, repoRoot)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("serve.listen_failed", "err", err)
			return 1
		}
	case <-sigCh:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return 0
}
