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

	flag "github.com/spf13/pflag"

	"github.com/dfinson/codeplane/internal/wire"
)

type statusReport struct {
	RepoRoot     string `json:"repo_root"`
	Epoch        int64  `json:"epoch"`
	ContextsReady bool  `json:"context_router_ready"`
}

// runStatus reports the current epoch and whether the Context Router has
// finished its initial discovery, without performing a reconcile.
func runStatus(args []string, repoRoot string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
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

	report := statusReport{RepoRoot: repoRoot, Epoch: svc.Epoch.Current(), ContextsReady: svc.Router.Ready()}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}
	fmt.Printf("repo:    %s\n", report.RepoRoot)
	fmt.Printf("epoch:   %d\n", report.Epoch)
	fmt.Printf("router:  ready=%v\n", report.ContextsReady)
}
