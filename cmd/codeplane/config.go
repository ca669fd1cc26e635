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

	"gopkg.in/yaml.v3"

	"github.com/dfinson/codeplane/internal/config"
)

const (
	projectConfigDir  = ".codeplane"
	projectConfigFile = "project.yaml"
)

// ProjectFile is the on-disk .codeplane/project.yaml shape: the subset of
// config.Config a user is expected to tune by hand, plus a format version.
type ProjectFile struct {
	Version      string   `yaml:"version"`
	StateDirName string   `yaml:"state_dir,omitempty"`
	ExcludeGlobs []string `yaml:"exclude,omitempty"`
}

func defaultProjectFile() ProjectFile {
	return ProjectFile{Version: "1", StateDirName: ".codeplane"}
}

// LoadConfig reads .codeplane/project.yaml under repoRoot, falling back to
// config.DefaultConfig's values for anything the file doesn't set. A
// missing file is not an error - init hasn't been required to run first.
func LoadConfig(repoRoot string) (config.Config, error) {
	cfg := config.DefaultConfig()
	path := filepath.Join(repoRoot, projectConfigDir, projectConfigFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if pf.StateDirName != "" {
		cfg.StateDirName = pf.StateDirName
	}
	if len(pf.ExcludeGlobs) > 0 {
		cfg.ExcludeGlobs = append(cfg.ExcludeGlobs, pf.ExcludeGlobs...)
	}
	return cfg, nil
}

// WriteProjectFile creates .codeplane/project.yaml under repoRoot.
func WriteProjectFile(repoRoot string, pf ProjectFile) error {
	dir := filepath.Join(repoRoot, projectConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(pf)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, projectConfigFile), data, 0o644)
}
