//go:build no_automation

package main

import (
	"log/slog"

	"github.com/halkeye/aioasuswrt/internal/tracker"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *tracker.Tracker, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
