//go:build !no_automation

package main

import (
	"log/slog"

	"zwave-go-home/internal/automation"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
	policy *automation.Policy
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.policy != nil {
		a.policy.Close()
	}
}

// initAutomation installs the Lua security policy, if configured, in front
// of the interactive prompts and starts the event hook scripts.
func initAutomation(ctl *controller.Controller, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	stopper := &autoStopper{}

	if cfg.PolicyScript != "" {
		policy, err := automation.LoadPolicy(cfg.PolicyScript, ctl.Prompter(), logger)
		if err != nil {
			logger.Error("load security policy, falling back to prompts", "path", cfg.PolicyScript, "err", err)
		} else {
			ctl.SetUserCallbacks(policy)
			stopper.policy = policy
			logger.Info("security policy loaded", "path", cfg.PolicyScript)
		}
	}

	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return stopper, nil
	}
	engine := automation.NewEngine(ctl, scriptMgr, logger)
	engine.Start()
	stopper.engine = engine

	return stopper, []web.ServerOption{web.WithAutomation(engine, scriptMgr)}
}
