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

// Package config loads and validates the TOML configuration file that
// drives a gameserver run: team roster, timing knobs, paths, and the
// HMAC secret.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// defaultConfigFileName is tried next to the executable and then relative
// to the current working directory when -c is not given.
const defaultConfigFileName = "config.toml"

// Team is one competing team as declared in the config file.
type Team struct {
	ID int    `toml:"id"`
	IP string `toml:"ip"`
}

// Config is the decoded, not-yet-validated configuration file.
type Config struct {
	FlagPeriod   int      `toml:"flag_period"`
	CheckPeriod  int      `toml:"check_period"`
	Delay        int      `toml:"delay"`
	Timeout      int      `toml:"timeout"`
	Teams        []Team   `toml:"teams"`
	DB           string   `toml:"db"`
	ServicesDir  string   `toml:"services_dir"`
	Ignores      []string `toml:"ignores"`
	LogDirectory string   `toml:"log_directory"`
	BindAddr     string   `toml:"bind_addr"`
	SecretKey    string   `toml:"secret_key"`

	// Supplementary, non-scoring host reachability probe.
	PingHosts    bool `toml:"ping_hosts"`
	PingInterval int  `toml:"ping_interval"`
	PingTimeout  int  `toml:"ping_timeout"`
}

// Error is returned for any problem loading or validating a config file.
type Error string

func (e Error) Error() string { return string(e) }

// ErrMissingField is wrapped into every "you must define X" validation
// failure so callers can test for validation failures generically.
var ErrMissingField = Error("config: missing required field")

// Load resolves the config file, opens it, decodes it, and validates it.
// explicitPath (from -c) is the only candidate when non-empty; otherwise
// the candidate next to the running binary is tried, falling back to
// defaultConfigFileName in the current working directory. Load returns
// the decoded, validated config alongside the path it was actually read
// from, so callers can resolve further paths (e.g. services_dir) relative
// to wherever the config file was found rather than assuming the current
// working directory.
func Load(explicitPath string) (Config, string, error) {
	var cfg Config

	first := explicitPath
	if first == "" {
		first = exeRelativeConfigPath()
	}

	f, err := os.Open(first)
	if err != nil {
		if explicitPath != "" {
			return cfg, "", fmt.Errorf("config: open %s: %w", explicitPath, err)
		}
		first = defaultConfigFileName
		f, err = os.Open(first)
		if err != nil {
			return cfg, "", fmt.Errorf("config: open %s: %w", defaultConfigFileName, err)
		}
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, "", fmt.Errorf("config: decode %s: %w", f.Name(), err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}

	return cfg, first, nil
}

// exeRelativeConfigPath returns defaultConfigFileName alongside the
// running binary, or the bare cwd-relative name if the executable's own
// path cannot be determined.
func exeRelativeConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(filepath.Dir(exe), defaultConfigFileName)
}

// Validate checks every required field and applies defaults for the
// optional ones.
func (c *Config) Validate() error {
	if c.FlagPeriod <= 0 {
		return fmt.Errorf("%w: flag_period must be a positive number of seconds", ErrMissingField)
	}
	if c.CheckPeriod <= 0 {
		return fmt.Errorf("%w: check_period must be a positive number of seconds", ErrMissingField)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: delay must not be negative", ErrMissingField)
	}
	if c.Timeout <= 0 {
		c.Timeout = 15
	}
	if len(c.Teams) < 1 {
		return fmt.Errorf("%w: at least one team must be defined under 'teams'", ErrMissingField)
	}
	for _, t := range c.Teams {
		if t.ID == 0 {
			return fmt.Errorf("%w: every team must define a nonzero 'id'", ErrMissingField)
		}
		if net.ParseIP(t.IP) == nil {
			return fmt.Errorf("%w: team %d has an invalid or missing 'ip'", ErrMissingField, t.ID)
		}
	}
	if c.DB == "" {
		return fmt.Errorf("%w: 'db' path is required", ErrMissingField)
	}
	if c.ServicesDir == "" {
		return fmt.Errorf("%w: 'services_dir' path is required", ErrMissingField)
	}
	if c.LogDirectory == "" {
		return fmt.Errorf("%w: 'log_directory' path is required", ErrMissingField)
	}
	if c.BindAddr == "" {
		return fmt.Errorf("%w: 'bind_addr' is required", ErrMissingField)
	}
	if c.SecretKey == "" {
		return fmt.Errorf("%w: 'secret_key' is required", ErrMissingField)
	}

	if c.PingHosts {
		if c.PingInterval <= 0 {
			return fmt.Errorf("%w: ping_interval is required when ping_hosts is set", ErrMissingField)
		}
		if c.PingTimeout <= 0 {
			return fmt.Errorf("%w: ping_timeout is required when ping_hosts is set", ErrMissingField)
		}
	}

	return nil
}

// IgnoreSet returns the configured ignore list as a lookup set, for use
// by the service catalog loader.
func (c Config) IgnoreSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Ignores))
	for _, name := range c.Ignores {
		set[name] = struct{}{}
	}
	return set
}

// AbsServicesDir resolves ServicesDir relative to the config file's own
// directory when it is not already absolute, so a config file can be
// invoked from any working directory.
func AbsServicesDir(configPath string, cfg Config) string {
	if filepath.IsAbs(cfg.ServicesDir) {
		return cfg.ServicesDir
	}
	return filepath.Join(filepath.Dir(configPath), cfg.ServicesDir)
}
