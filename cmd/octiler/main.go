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

// Command octiler wires a set of ASCII point files into the octree
// builder core and writes a 3D Tiles tileset. Flag parsing and progress
// printing are intentionally thin (spec.md §1 carves the CLI itself out
// of the core's scope); everything past flag resolution calls straight
// into config, catalog, nodecache, coordinator and manifest.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/geopoints/octiler/catalog"
	"github.com/geopoints/octiler/config"
	"github.com/geopoints/octiler/coordinator"
	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/internal/xlog"
	"github.com/geopoints/octiler/manifest"
	"github.com/geopoints/octiler/nodecache"
	"github.com/geopoints/octiler/octree"
	"github.com/geopoints/octiler/reader"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "octiler",
		Usage: "convert ASCII point clouds into a 3D Tiles point-cloud tileset",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "input", Aliases: []string{"i"}, Required: true, Usage: "input point file(s), one point per line: x y z [r g b]"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true, Usage: "output directory for the tileset"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "optional TOML config file"},
			&cli.Float64SliceFlag{Name: "root-min", Usage: "root AABB min, x y z"},
			&cli.Float64SliceFlag{Name: "root-max", Usage: "root AABB max, x y z"},
			&cli.Float64Flag{Name: "root-spacing", Value: 1, Usage: "root-level grid spacing before scale"},
			&cli.IntFlag{Name: "workers", Usage: "override config_workers"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, error"},
			&cli.BoolFlag{Name: "rtc-center", Usage: "shift each tile's points relative to its own bounding-box center"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "octiler:", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return err
	}
	cfg.OutputDir = cctx.String("output")
	if v := cctx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if w := cctx.Int("workers"); w > 0 {
		cfg.Workers = w
	}
	cfg.UseRTCCenter = cctx.Bool("rtc-center")
	if err := cfg.Validate(); err != nil {
		return err
	}
	xlog.Init(cfg.LogLevel)
	log := xlog.New("main")

	inputs := cctx.StringSlice("input")
	if len(inputs) == 0 {
		return fmt.Errorf("octiler: at least one --input is required")
	}

	rootAABB, err := resolveRootAABB(cctx, inputs)
	if err != nil {
		return err
	}
	// textSource offsets and scales every point, so the root box must match.
	rootAABB = geom.AABB{
		Min: rootAABB.Min.Sub(cfg.RootOffset).Scale(float32(cfg.RootScale)),
		Max: rootAABB.Max.Sub(cfg.RootOffset).Scale(float32(cfg.RootScale)),
	}
	rootSpacing := cctx.Float64("root-spacing") * cfg.RootScale

	cache := nodecache.New(cfg.CacheBudgetMB)
	cat := catalog.New(cache, rootAABB, rootSpacing)
	coord := coordinator.New(cfg, cat, cache)

	sources := make([]reader.Source, 0, len(inputs))
	for i, path := range inputs {
		src, err := newTextSource(i, path, cfg.RootOffset, cfg.RootScale)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	stop := logProgress(log, coord.Stats())
	defer stop()

	start := time.Now()
	stats, err := coord.Build(cctx.Context, sources)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	log.Info("octree build complete", "elapsed", time.Since(start), "points_read", stats.PointsRead(), "nodes_emitted", stats.NodesEmitted())

	builder := &manifest.Builder{
		OutDir:       cfg.OutputDir,
		RootScale:    cfg.RootScale,
		UseRTCCenter: cfg.UseRTCCenter,
		IncludeRGB:   cfg.IncludeRGB,
		Source:       cat,
	}
	if cfg.RootOffset != (geom.Vec3{}) {
		offset := cfg.RootOffset
		builder.RootOffset = &offset
	}
	builder.RootRotation = cfg.RootRotation
	if _, err := builder.Build(octree.Name{}); err != nil {
		return fmt.Errorf("manifest build failed: %w", err)
	}
	log.Info("tileset written", "dir", cfg.OutputDir)
	return nil
}

// resolveRootAABB takes the --root-min/--root-max flags if given,
// otherwise scans every input file once to derive a bounding box
// (spec.md leaves SRS/extent resolution to the caller; a batch tool
// needs the root box fixed before the first Insert, since the octree's
// AABB derivation is purely a function of the root box and the name).
func resolveRootAABB(cctx *cli.Context, inputs []string) (geom.AABB, error) {
	minFlag, maxFlag := cctx.Float64Slice("root-min"), cctx.Float64Slice("root-max")
	if len(minFlag) == 3 && len(maxFlag) == 3 {
		return geom.AABB{
			Min: geom.Vec3{float32(minFlag[0]), float32(minFlag[1]), float32(minFlag[2])},
			Max: geom.Vec3{float32(maxFlag[0]), float32(maxFlag[1]), float32(maxFlag[2])},
		}, nil
	}
	return scanBoundingBox(inputs)
}

func logProgress(log *slog.Logger, stats *coordinator.Stats) func() {
	ticker := time.NewTicker(2 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				log.Info("progress", "points_read", stats.PointsRead(), "points_emitted", stats.PointsEmitted(), "points_in_flight", stats.PointsInFlight())
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
