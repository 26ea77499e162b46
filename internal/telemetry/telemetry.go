// Package telemetry centralizes the structured-logging setup shared by
// jobsync's three binaries, generalizing benchflow's internal/cmd.initLogger
// (a single package-global text handler keyed off a verbose flag) into a
// constructor any binary can call.
package telemetry

import (
	"io"
	"log/slog"
)

// NewLogger builds a text-handler slog.Logger writing to w. verbose selects
// Debug over Info, mirroring the teacher's --verbose/-v flag behavior.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
