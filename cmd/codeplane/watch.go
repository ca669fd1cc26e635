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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	flag "github.com/spf13/pflag"

	"github.com/dfinson/codeplane/internal/dispatch"
	"github.com/dfinson/codeplane/internal/pathspec"
	"github.com/dfinson/codeplane/internal/wire"
)

var watchSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, ".codeplane": true,
}

const watchDebounce = 500 * time.Millisecond

// runWatch reconciles once, then watches the repository tree and
// reconciles again after a debounced burst of filesystem events.
func runWatch(args []string, repoRoot string, globals GlobalFlags) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := LoadConfig(repoRoot)
	if err != nil {
		fatal(globals, err)
	}

	ctx := context.Background()
	svc, store, err := wire.Build(ctx, repoRoot, cfg, logger)
	if err != nil {
		fatal(globals, err)
	}
	defer store.Close()

	reconcileOnce := func() {
		resp := svc.Dispatch(ctx, dispatch.Envelope{Op: "reconcile", RequestID: "watch"})
		if resp.Err != nil {
			logger.Error("watch.reconcile_failed", "code", resp.Err.Code, "message", resp.Err.Message)
			return
		}
		if !globals.Quiet {
			fmt.Printf("reconciled: %+v\n", resp.Result)
		}
	}
	reconcileOnce()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fatal(globals, err)
	}
	defer watcher.Close()

	_ = filepath.Walk(repoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if watchSkipDirs[info.Name()] || pathspec.PrunableDirs[info.Name()] {
				return filepath.SkipDir
			}
			_ = watcher.Add(path)
		}
		return nil
	})

	var timer *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, reconcileOnce)
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("watch.fsnotify_error", "err", err)
		}
	}
}
