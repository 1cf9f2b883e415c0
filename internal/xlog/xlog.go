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

// Package xlog sets up the process-wide structured logger. It is a thin
// veneer over log/slog using the teacher's own key-value calling
// convention (component loggers created once via New, then called as
// logger.Info(msg, "key", value, ...)) rather than a bespoke logging
// abstraction.
package xlog

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs a process-wide text handler at the given level ("debug",
// "info", "warn", "error"), matching config.Config.LogLevel (spec.md §7
// "Progress telemetry ... is emitted at a configurable verbosity.").
func Init(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a component-scoped logger, e.g. xlog.New("coordinator").
func New(component string) *slog.Logger {
	return slog.With("component", component)
}
