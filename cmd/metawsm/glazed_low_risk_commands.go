package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"metawsm/internal/config"
	"metawsm/internal/server"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	return &configInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default control plane config file"),
			cmds.WithLong("Create a default config.json at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(config.DefaultConfigPath),
				),
			),
		),
	}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := config.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("wrote default config to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &configInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Config          string `glazed.parameter:"config"`
	Addr            string `glazed.parameter:"addr"`
	RedisURL        string `glazed.parameter:"redis-url"`
	ReaperInterval  string `glazed.parameter:"reaper-interval"`
	EventPumpPeriod string `glazed.parameter:"event-pump-period"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the control plane's Control API server"),
			cmds.WithLong("Start the HTTP Control API, the lease reaper, and the live event pump."),
			cmds.WithFlags(
				configPathFlag(),
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address (overrides config's server.http_addr)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"redis-url",
					parameters.ParameterTypeString,
					parameters.WithHelp("Redis URL for the event outbox publisher (blank leaves it unset; serve starts no drain loop)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"reaper-interval",
					parameters.ParameterTypeString,
					parameters.WithHelp("Lease reaper poll interval"),
					parameters.WithDefault("30s"),
				),
				parameters.NewParameterDefinition(
					"event-pump-period",
					parameters.ParameterTypeString,
					parameters.WithHelp("Live event stream fanout poll period"),
					parameters.WithDefault("500ms"),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	reaperInterval, err := parseDurationSetting("reaper-interval", settings.ReaperInterval)
	if err != nil {
		return err
	}
	eventPumpPeriod, err := parseDurationSetting("event-pump-period", settings.EventPumpPeriod)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	cfg, _, err := config.Load(settings.Config)
	if err != nil {
		return err
	}
	if settings.Addr != "" {
		cfg.Server.HTTPAddr = settings.Addr
	}

	runtime, err := server.NewRuntime(server.Options{
		Addr:            cfg.Server.HTTPAddr,
		Config:          cfg,
		RedisURL:        settings.RedisURL,
		ReaperInterval:  reaperInterval,
		EventPumpPeriod: eventPumpPeriod,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("control plane serving on %s\n", cfg.Server.HTTPAddr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}
