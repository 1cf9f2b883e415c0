// Copyright 2024 The octiler Authors
// This file is part of the octiler library.
//
// The octiler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The octiler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the octiler library. If not, see <http://www.gnu.org/licenses/>.

// Package config resolves the configuration keys of spec.md §6 from
// defaults, an optional TOML file, and a handful of environment
// variables, grounded on the teacher's own node-config loading (TOML via
// github.com/naoina/toml, a package-level tomlSettings instance with
// strict-field checking).
package config

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strconv"

	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/octerr"
	"github.com/naoina/toml"
	"github.com/shirou/gopsutil/mem"
)

// tomlSettings mirrors the teacher's field-name mangling rules so config
// files can use Go-idiomatic capitalized field names directly.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q not found in type %s", field, rt.String())
	},
}

// Config carries the keys spec.md §6 names, plus the ambient keys
// (UseRTCCenter, OutputDir, SpillDir, LogLevel) a real CLI wiring needs.
type Config struct {
	Workers       int     `toml:",omitempty"`
	CacheBudgetMB int     `toml:",omitempty"`
	IncludeRGB    bool    `toml:",omitempty"`
	RootScale     float64 `toml:",omitempty"`
	RootOffset    geom.Vec3
	RootRotation  *[9]float64 `toml:",omitempty"`
	UseRTCCenter  bool        `toml:",omitempty"`

	OutputDir string `toml:",omitempty"`
	SpillDir  string `toml:",omitempty"`
	LogLevel  string `toml:",omitempty"`
}

// cacheBudgetFloorMB is spec.md §6's "Floored to 200 MB."
const cacheBudgetFloorMB = 200

// Defaults returns the builder's zero-config defaults: one worker per
// logical CPU, RGB on, no rotation/RTC.
func Defaults() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		CacheBudgetMB: defaultCacheBudgetMB(),
		IncludeRGB:    true,
		RootScale:     1,
		LogLevel:      "info",
	}
}

// defaultCacheBudgetMB picks system-RAM/10, floored to 200MB, falling
// back to the floor if memory detection fails (spec.md §4.4 "Node
// cache ... default = system-RAM/10, floor 200 MB").
func defaultCacheBudgetMB() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return cacheBudgetFloorMB
	}
	mb := int(vm.Total / (10 * 1024 * 1024))
	if mb < cacheBudgetFloorMB {
		return cacheBudgetFloorMB
	}
	return mb
}

// ScaleForBaseSpacing derives root_scale from a base spacing estimate, per
// spec.md §6: ">10 -> 0.01, >1 -> 0.1, else 1".
func ScaleForBaseSpacing(baseSpacing float64) float64 {
	switch {
	case baseSpacing > 10:
		return 0.01
	case baseSpacing > 1:
		return 0.1
	default:
		return 1
	}
}

// Load resolves a Config from Defaults, an optional TOML file, and a
// small set of OCTILER_-prefixed environment variable overrides, in that
// priority order (file beats defaults, env beats file). It validates the
// result before returning, matching spec.md §7's "ConfigError ...
// reported before starting any work."
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: open %s: %v", octerr.ErrConfig, path, err)
		}
		defer f.Close()
		if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", octerr.ErrConfig, path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if cfg.CacheBudgetMB < cacheBudgetFloorMB {
		cfg.CacheBudgetMB = cacheBudgetFloorMB
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OCTILER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("OCTILER_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("OCTILER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate implements spec.md §7's ConfigError: missing/invalid settings
// are caught before any work is dispatched.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", octerr.ErrConfig, c.Workers)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output directory is required", octerr.ErrConfig)
	}
	if c.RootScale <= 0 {
		return fmt.Errorf("%w: root_scale must be positive, got %v", octerr.ErrConfig, c.RootScale)
	}
	return nil
}
