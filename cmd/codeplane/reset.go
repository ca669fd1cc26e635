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
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"
)

// runReset deletes the local .codeplane state directory: the structural
// database, the lexical index, and the project config. Destructive -
// asks for a "y" on stdin unless --yes is given.
func runReset(args []string, repoRoot string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Skip confirmation prompt")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := filepath.Join(repoRoot, projectConfigDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if !globals.Quiet {
			fmt.Println("Nothing to reset.")
		}
		return
	}

	if !*yes {
		fmt.Printf("This will permanently delete %s. Continue? [y/N] ", dir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		fatal(globals, err)
	}
	if !globals.Quiet {
		fmt.Printf("Removed %s\n", dir)
	}
}
