package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/jedib0t/go-pretty/v6/table"
)

type slotListCommand struct{ *cmds.CommandDescription }
type slotListSettings struct {
	Config string `glazed.parameter:"config"`
}

func newSlotListCommand() (*slotListCommand, error) {
	return &slotListCommand{CommandDescription: cmds.NewCommandDescription(
		"list", cmds.WithShort("List every configured slot's lease state"),
		cmds.WithFlags(configPathFlag()),
	)}, nil
}

func (c *slotListCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &slotListSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	slots, err := core.ListSlots(ctx)
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Slot", "State", "Run", "Expires"})
	for _, slot := range slots {
		expiresAt := "-"
		if slot.ExpiresAt != nil {
			expiresAt = humanize.Time(*slot.ExpiresAt)
		}
		tw.AppendRow(table.Row{slot.SlotID, slot.LeaseState, slot.RunID, expiresAt})
	}
	tw.Render()
	return nil
}

var _ cmds.BareCommand = &slotListCommand{}

type slotAcquireCommand struct{ *cmds.CommandDescription }
type slotAcquireSettings struct {
	Config string `glazed.parameter:"config"`
	RunID  string `glazed.parameter:"run-id"`
}

func newSlotAcquireCommand() (*slotAcquireCommand, error) {
	return &slotAcquireCommand{CommandDescription: cmds.NewCommandDescription(
		"acquire", cmds.WithShort("Acquire a free slot for a run"),
		cmds.WithFlags(
			configPathFlag(),
			parameters.NewParameterDefinition("run-id", parameters.ParameterTypeString, parameters.WithHelp("Run id"), parameters.WithDefault("")),
		),
	)}, nil
}

func (c *slotAcquireCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &slotAcquireSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.RunID) == "" {
		return fmt.Errorf("--run-id is required")
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := core.AcquireSlot(ctx, settings.RunID)
	if err != nil {
		return err
	}
	if result.Acquired {
		fmt.Printf("acquired slot %s\n", result.SlotID)
		return nil
	}
	fmt.Println("no free slot; run is queued")
	return nil
}

var _ cmds.BareCommand = &slotAcquireCommand{}

type slotIDRunSettings struct {
	Config string `glazed.parameter:"config"`
	SlotID string `glazed.parameter:"slot-id"`
	RunID  string `glazed.parameter:"run-id"`
}

func slotIDRunFlags() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		configPathFlag(),
		parameters.NewParameterDefinition("slot-id", parameters.ParameterTypeString, parameters.WithHelp("Slot id"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("run-id", parameters.ParameterTypeString, parameters.WithHelp("Run id holding the lease"), parameters.WithDefault("")),
	}
}

type slotHeartbeatCommand struct{ *cmds.CommandDescription }

func newSlotHeartbeatCommand() (*slotHeartbeatCommand, error) {
	return &slotHeartbeatCommand{CommandDescription: cmds.NewCommandDescription(
		"heartbeat", cmds.WithShort("Extend a slot's lease"), cmds.WithFlags(slotIDRunFlags()...),
	)}, nil
}

func (c *slotHeartbeatCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &slotIDRunSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.SlotID) == "" || strings.TrimSpace(settings.RunID) == "" {
		return fmt.Errorf("--slot-id and --run-id are required")
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := core.HeartbeatSlot(ctx, settings.SlotID, settings.RunID); err != nil {
		return err
	}
	fmt.Printf("heartbeat sent for slot %s\n", settings.SlotID)
	return nil
}

var _ cmds.BareCommand = &slotHeartbeatCommand{}

type slotReleaseCommand struct{ *cmds.CommandDescription }

func newSlotReleaseCommand() (*slotReleaseCommand, error) {
	return &slotReleaseCommand{CommandDescription: cmds.NewCommandDescription(
		"release", cmds.WithShort("Release a slot's lease"), cmds.WithFlags(slotIDRunFlags()...),
	)}, nil
}

func (c *slotReleaseCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &slotIDRunSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.SlotID) == "" || strings.TrimSpace(settings.RunID) == "" {
		return fmt.Errorf("--slot-id and --run-id are required")
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := core.ReleaseSlot(ctx, settings.SlotID, settings.RunID); err != nil {
		return err
	}
	fmt.Printf("released slot %s\n", settings.SlotID)
	return nil
}

var _ cmds.BareCommand = &slotReleaseCommand{}

type slotReapCommand struct{ *cmds.CommandDescription }

func newSlotReapCommand() (*slotReapCommand, error) {
	return &slotReapCommand{CommandDescription: cmds.NewCommandDescription(
		"reap", cmds.WithShort("Reclaim every slot whose lease has expired"),
		cmds.WithFlags(configPathFlag()),
	)}, nil
}

func (c *slotReapCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &slotListSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()
	reaped, err := core.ReapExpiredSlots(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reaped %d slot(s)\n", reaped)
	return nil
}

var _ cmds.BareCommand = &slotReapCommand{}
