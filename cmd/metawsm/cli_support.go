package main

import (
	"fmt"

	"metawsm/internal/capability"
	"metawsm/internal/config"
	"metawsm/internal/service"
	"metawsm/internal/serviceapi"
	"metawsm/internal/store"
)

// openLocalCore loads cfg from configPath (falling back to Default when the
// file doesn't exist, same as config.Load) and opens a serviceapi.LocalCore
// wired against its store, for CLI commands that talk to the control
// plane's own database directly rather than over the Control API.
func openLocalCore(configPath string) (*serviceapi.LocalCore, func(), error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	s, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	drivers := service.Drivers{
		Git:     capability.ExecGitDriver{},
		DBReset: capability.ExecDBResetDriver{},
		Deploy:  capability.ExecDeployDriver{Command: cfg.Deploy.ReloadCommand},
		Health:  capability.ExecHealthProbe{Command: cfg.Deploy.HealthCommand},
	}
	svc, err := service.New(s, cfg, drivers, nil)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("build service: %w", err)
	}

	core := serviceapi.NewLocalCore(svc)
	return core, func() { s.Close() }, nil
}

func configPathFlagDefault() string {
	return config.DefaultConfigPath
}
