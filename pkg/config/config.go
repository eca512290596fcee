// Copyright 2026 The custompip Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the CLI entry point's process configuration: the
// listen address, optional TLS material, and the logging toggle. Flags are
// parsed with spf13/pflag (wired through cobra in cmd/pipingserver); an
// optional TOML file, read with BurntSushi/toml after the flags are parsed,
// overrides the flag values for every key it sets, letting an operator pin
// a config without repeating flags on every invocation.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the server's process configuration.
type Config struct {
	Addr string `toml:"addr"`

	EnableHTTPS  bool   `toml:"enable_https"`
	HTTPSKeyPath string `toml:"https_key_path"`
	HTTPSCertPath string `toml:"https_cert_path"`

	EnableLog bool `toml:"enable_log"`

	// MaxReceiversPerPath caps the declared n a single rendezvous may
	// request; 0 means unbounded. This is an operational sanity ceiling,
	// not a protocol limit.
	MaxReceiversPerPath int `toml:"max_receivers_per_path"`
}

// Default returns the configuration used when no flags or file override it.
func Default() *Config {
	return &Config{
		Addr:                ":8080",
		EnableLog:           true,
		MaxReceiversPerPath: 0,
	}
}

// LoadFile overlays cfg with values from a TOML file at path. Keys absent
// from the file leave cfg's existing value untouched.
func LoadFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}
	return nil
}

// Validate reports whether cfg is internally consistent.
func (c *Config) Validate() error {
	if c.EnableHTTPS {
		if c.HTTPSKeyPath == "" || c.HTTPSCertPath == "" {
			return fmt.Errorf("enable_https requires both https_key_path and https_cert_path")
		}
	}
	return nil
}
