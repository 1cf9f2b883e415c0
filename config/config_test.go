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

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/geopoints/octiler/octerr"
	"github.com/stretchr/testify/require"
)

func TestDefaultsProducesOneWorkerPerCPU(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, runtime.NumCPU(), cfg.Workers)
	require.True(t, cfg.IncludeRGB)
	require.Equal(t, 1.0, cfg.RootScale)
	require.GreaterOrEqual(t, cfg.CacheBudgetMB, cacheBudgetFloorMB)
}

func TestScaleForBaseSpacingThresholds(t *testing.T) {
	require.Equal(t, 0.01, ScaleForBaseSpacing(50))
	require.Equal(t, 0.1, ScaleForBaseSpacing(5))
	require.Equal(t, 1.0, ScaleForBaseSpacing(0.5))
	require.Equal(t, 0.01, ScaleForBaseSpacing(10.0001))
	require.Equal(t, 0.1, ScaleForBaseSpacing(1.0001))
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg := Defaults()
	cfg.OutputDir = "/tmp/out"
	cfg.Workers = 0
	require.ErrorIs(t, cfg.Validate(), octerr.ErrConfig)
}

func TestValidateRejectsMissingOutputDir(t *testing.T) {
	cfg := Defaults()
	require.ErrorIs(t, cfg.Validate(), octerr.ErrConfig)
}

func TestValidateRejectsNonPositiveRootScale(t *testing.T) {
	cfg := Defaults()
	cfg.OutputDir = "/tmp/out"
	cfg.RootScale = 0
	require.ErrorIs(t, cfg.Validate(), octerr.ErrConfig)
}

func TestLoadWithoutFileAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("OCTILER_WORKERS", "3")
	t.Setenv("OCTILER_OUTPUT_DIR", "/tmp/octiler-out")
	t.Setenv("OCTILER_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, "/tmp/octiler-out", cfg.OutputDir)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octiler.toml")
	contents := "Workers = 4\nOutputDir = \"" + dir + "\"\nCacheBudgetMB = 50\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, dir, cfg.OutputDir)
	require.Equal(t, cacheBudgetFloorMB, cfg.CacheBudgetMB, "a sub-floor cache budget must be raised to the floor")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/octiler.toml")
	require.ErrorIs(t, err, octerr.ErrConfig)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid toml"), 0o644))
	_, err := Load(path)
	require.ErrorIs(t, err, octerr.ErrConfig)
}

func TestLoadRejectsInvalidResultingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octiler.toml")
	// OutputDir deliberately omitted: Validate must reject this.
	require.NoError(t, os.WriteFile(path, []byte("Workers = 2\n"), 0o644))
	_, err := Load(path)
	require.ErrorIs(t, err, octerr.ErrConfig)
}
