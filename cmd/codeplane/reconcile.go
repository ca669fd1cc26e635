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
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/dfinson/codeplane/internal/dispatch"
	"github.com/dfinson/codeplane/internal/wire"
)

// runReconcile opens the repository's state and runs one stat->hash
// cascade, reparsing and reindexing everything the cascade flags as
// changed, then publishes the resulting epoch.
func runReconcile(args []string, repoRoot string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
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
	var bar *progressbar.ProgressBar
	if !globals.Quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		bar = progressbar.NewOptions(-1, progressbar.OptionSetDescription("reconciling"), progressbar.OptionSpinnerType(14))
	}

	svc, store, err := wire.Build(ctx, repoRoot, cfg, logger)
	if err != nil {
		fatal(globals, err)
	}
	defer store.Close()

	if bar != nil {
		_ = bar.Add(1)
	}

	resp := svc.Dispatch(ctx, dispatch.Envelope{Op: "reconcile", RequestID: "cli-reconcile"})

	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	if resp.Err != nil {
		fatal(globals, fmt.Errorf("%s: %s", resp.Err.Code, resp.Err.Message))
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp.Result)
		return
	}

	if !globals.Quiet {
		fmt.Printf("%+v\n", resp.Result)
	}
}
