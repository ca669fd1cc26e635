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
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dfinson/codeplane/internal/dispatch"
	"github.com/dfinson/codeplane/internal/wire"
)

// runQuery invokes a single dispatch operation from the command line:
//
//	codeplane query get_def def_uid=abc123
//	codeplane query lexical_search query=parseConfig limit=10
func runQuery(args []string, repoRoot string, globals GlobalFlags) {
	if len(args) == 0 {
		fatal(globals, fmt.Errorf("usage: codeplane query <op> [key=value ...]"))
	}
	op := args[0]
	params := map[string]any{}
	for _, kv := range args[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fatal(globals, fmt.Errorf("invalid param %q, expected key=value", kv))
		}
		params[parts[0]] = coerceParam(parts[1])
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

	resp := svc.Dispatch(ctx, dispatch.Envelope{
		Op: op, Params: params, RequestID: uuid.NewString(),
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if resp.Err != nil {
		_ = enc.Encode(resp.Err)
		os.Exit(1)
	}
	_ = enc.Encode(resp.Result)
}

// coerceParam turns a CLI value into an int64, float64, bool, or string,
// the same ambiguity every query-string parser for a typed backend has to
// resolve at the edge since flags arrive untyped.
func coerceParam(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
