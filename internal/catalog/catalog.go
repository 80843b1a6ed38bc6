// Copyright 2019 Michael Mitchell
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catalog loads the registered services from a directory tree,
// one subdirectory per service, each carrying a meta.toml and three
// executable entry points (get_flag, set_flag, check_up). The catalog is
// immutable after load.
package catalog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/uwfcsc/ctfgameserver/internal/models"
)

// meta is the decoded shape of a service's meta.toml file.
type meta struct {
	Port     int `toml:"port"`
	AtkScore int `toml:"atk_score"`
	DefScore int `toml:"def_score"`
	UpScore  int `toml:"up_score"`

	GetFlagPath string `toml:"get_flag_path"`
	SetFlagPath string `toml:"set_flag_path"`
	CheckUpPath string `toml:"check_up_path"`
}

// Entry is one loaded service: its durable model plus the resolved
// filesystem paths to its three executables.
type Entry struct {
	Service models.Service

	BaseDir     string
	GetFlagPath string
	SetFlagPath string
	CheckUpPath string
}

// Registrar is the subset of the store's interface the catalog needs to
// register newly discovered services. Accepting an interface here (rather
// than a concrete *store.Store) keeps this package testable without a
// database.
type Registrar interface {
	UpsertService(name string, port, atkScore, defScore, upScore int) error
}

// Load reads the direct children of servicesDir. A child is eligible if it
// is a directory, its name does not start with '.', and its name is not in
// ignores. Each eligible directory must contain meta.toml; a directory
// that fails to load is skipped with a logged, non-fatal error. Loaded
// services are registered in reg and returned in directory order.
func Load(servicesDir string, ignores map[string]struct{}, reg Registrar, logger *log.Logger) ([]Entry, error) {
	children, err := os.ReadDir(servicesDir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", servicesDir, err)
	}

	var entries []Entry
	for _, child := range children {
		name := child.Name()
		if !child.IsDir() {
			continue
		}
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		if _, skip := ignores[name]; skip {
			continue
		}

		dir := filepath.Join(servicesDir, name)
		entry, err := loadOne(dir, name)
		if err != nil {
			logger.Printf("catalog: skipping service %q: %v", name, err)
			continue
		}

		if err := reg.UpsertService(name, entry.Service.Port, entry.Service.AtkScore, entry.Service.DefScore, entry.Service.UpScore); err != nil {
			logger.Printf("catalog: skipping service %q: register: %v", name, err)
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func loadOne(dir, name string) (Entry, error) {
	metaPath := filepath.Join(dir, "meta.toml")

	var m meta
	if _, err := toml.DecodeFile(metaPath, &m); err != nil {
		return Entry{}, fmt.Errorf("decode meta.toml: %w", err)
	}

	getFlag := resolvePath(dir, m.GetFlagPath, "get_flag")
	setFlag := resolvePath(dir, m.SetFlagPath, "set_flag")
	checkUp := resolvePath(dir, m.CheckUpPath, "check_up")

	for _, p := range []string{getFlag, setFlag, checkUp} {
		if _, err := os.Stat(p); err != nil {
			return Entry{}, fmt.Errorf("entry point %s: %w", p, err)
		}
	}

	return Entry{
		Service: models.Service{
			Name:     name,
			Port:     m.Port,
			AtkScore: m.AtkScore,
			DefScore: m.DefScore,
			UpScore:  m.UpScore,
		},
		BaseDir:     dir,
		GetFlagPath: getFlag,
		SetFlagPath: setFlag,
		CheckUpPath: checkUp,
	}, nil
}

// resolvePath returns configured (if set) resolved relative to dir, or
// dir/fallback otherwise, implementing meta.toml's optional
// get_flag_path/set_flag_path/check_up_path overrides.
func resolvePath(dir, configured, fallback string) string {
	if configured == "" {
		return filepath.Join(dir, fallback)
	}
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(dir, configured)
}
