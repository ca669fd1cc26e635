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

// Package main implements the codeplane CLI: a local control plane exposing
// one repository as a deterministic queryable system.
//
// Usage:
//
//	codeplane init                 Create .codeplane/project.yaml
//	codeplane reconcile            Run the stat->hash cascade and reindex
//	codeplane watch                Reconcile continuously on filesystem events
//	codeplane [--json] status      Show epoch and freshness summary
//	codeplane query <op> [params]  Invoke a single dispatch operation
//	codeplane serve                Start the HTTP dispatch server
//	codeplane reset                Delete local .codeplane state (destructive)
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/fatih/color"
)

// GlobalFlags holds flags shared by every subcommand.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v info, -vv debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `codeplane - a repo-scoped control plane for coding agents

Usage:
  codeplane <command> [options]

Commands:
  init        Create .codeplane/project.yaml
  reconcile   Run the stat->hash cascade and reindex changed files
  watch       Reconcile continuously on filesystem events
  status      Show epoch and freshness summary
  query       Invoke a single dispatch operation
  serve       Start the HTTP dispatch server
  reset       Delete local .codeplane state (destructive)

Global Options:
  --json         Output in JSON format
  --no-color     Disable color output (respects NO_COLOR env var)
  -v, --verbose  Increase verbosity
  -q, --quiet    Suppress non-essential output
  -V, --version  Show version and exit

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Println("codeplane version dev")
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "Error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}
	if *jsonOutput {
		*quiet = true
	}
	color.NoColor = *noColor || color.NoColor

	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor, Verbose: *verbose, Quiet: *quiet}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	repoRoot, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "init":
		runInit(cmdArgs, repoRoot, globals)
	case "reconcile":
		runReconcile(cmdArgs, repoRoot, globals)
	case "watch":
		runWatch(cmdArgs, repoRoot, globals)
	case "status":
		runStatus(cmdArgs, repoRoot, globals)
	case "query":
		runQuery(cmdArgs, repoRoot, globals)
	case "serve":
		os.Exit(runServe(cmdArgs, repoRoot, globals))
	case "reset":
		runReset(cmdArgs, repoRoot, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func fatal(globals GlobalFlags, err error) {
	if !globals.Quiet {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
