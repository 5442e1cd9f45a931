//go:build !no_automation

package main

import (
	"log/slog"
	"time"

	"github.com/halkeye/aioasuswrt/internal/automation"
	"github.com/halkeye/aioasuswrt/internal/tracker"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(trk *tracker.Tracker, cfg *Config, logger *slog.Logger) *autoStopper {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}
	}

	execTimeout := 10 * time.Second
	if cfg.Exec.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Exec.Timeout); err == nil {
			execTimeout = d
		} else {
			logger.Warn("invalid exec.timeout, using default", "value", cfg.Exec.Timeout, "default", execTimeout)
		}
	}

	engine := automation.NewEngine(trk, scriptMgr, logger,
		automation.SystemConfig{
			ExecAllowlist: cfg.Exec.Allowlist,
			ExecTimeout:   execTimeout,
		},
		automation.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatIDs:  cfg.Telegram.ChatIDs,
		},
	)
	engine.Start()

	return &autoStopper{engine: engine}
}
