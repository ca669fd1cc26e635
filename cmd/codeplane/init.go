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

// runInit creates .codeplane/project.yaml under repoRoot with default
// settings, refusing to overwrite an existing file unless --force is given.
func runInit(args []string, repoRoot string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing project.yaml")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	path := filepath.Join(repoRoot, projectConfigDir, projectConfigFile)
	if _, err := os.Stat(path); err == nil && !*force {
		fatal(globals, fmt.Errorf("%s already exists (use --force to overwrite)", path))
	}

	if err := WriteProjectFile(repoRoot, defaultProjectFile()); err != nil {
		fatal(globals, err)
	}
	if !globals.Quiet {
		fmt.Printf("Created %s\n", path)
	}
}
