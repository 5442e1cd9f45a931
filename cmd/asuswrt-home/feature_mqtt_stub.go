//go:build no_mqtt

package main

import (
	"log/slog"

	"github.com/halkeye/aioasuswrt/internal/tracker"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *tracker.Tracker, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
