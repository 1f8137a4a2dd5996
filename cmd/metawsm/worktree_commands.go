package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/jedib0t/go-pretty/v6/table"
)

type worktreeListCommand struct{ *cmds.CommandDescription }

func newWorktreeListCommand() (*worktreeListCommand, error) {
	return &worktreeListCommand{CommandDescription: cmds.NewCommandDescription(
		"list", cmds.WithShort("List every slot's worktree binding"),
		cmds.WithFlags(configPathFlag()),
	)}, nil
}

func (c *worktreeListCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &slotListSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	bindings, err := core.ListWorktrees(ctx)
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Slot", "State", "Run", "Branch", "Path"})
	for _, b := range bindings {
		tw.AppendRow(table.Row{b.SlotID, b.BindingState, b.RunID, b.BranchName, b.WorktreePath})
	}
	tw.Render()
	return nil
}

var _ cmds.BareCommand = &worktreeListCommand{}

type worktreeAssignCommand struct{ *cmds.CommandDescription }
type worktreeAssignSettings struct {
	Config string `glazed.parameter:"config"`
	RunID  string `glazed.parameter:"run-id"`
	SlotID string `glazed.parameter:"slot-id"`
}

func newWorktreeAssignCommand() (*worktreeAssignCommand, error) {
	return &worktreeAssignCommand{CommandDescription: cmds.NewCommandDescription(
		"assign", cmds.WithShort("Assign or reuse a slot's branch/worktree binding"),
		cmds.WithFlags(
			configPathFlag(),
			parameters.NewParameterDefinition("run-id", parameters.ParameterTypeString, parameters.WithHelp("Run id"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("slot-id", parameters.ParameterTypeString, parameters.WithHelp("Slot id"), parameters.WithDefault("")),
		),
	)}, nil
}

func (c *worktreeAssignCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &worktreeAssignSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.RunID) == "" || strings.TrimSpace(settings.SlotID) == "" {
		return fmt.Errorf("--run-id and --slot-id are required")
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	binding, err := core.AssignWorktree(ctx, settings.RunID, settings.SlotID)
	if err != nil {
		return err
	}
	fmt.Printf("assigned slot %s branch=%s path=%s\n", binding.SlotID, binding.BranchName, binding.WorktreePath)
	return nil
}

var _ cmds.BareCommand = &worktreeAssignCommand{}

type worktreeCleanupCommand struct{ *cmds.CommandDescription }

func newWorktreeCleanupCommand() (*worktreeCleanupCommand, error) {
	return &worktreeCleanupCommand{CommandDescription: cmds.NewCommandDescription(
		"cleanup", cmds.WithShort("Remove a slot's worktree and release its binding"),
		cmds.WithFlags(slotIDRunFlags()...),
	)}, nil
}

func (c *worktreeCleanupCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
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
	if err := core.CleanupWorktree(ctx, settings.SlotID, settings.RunID); err != nil {
		return err
	}
	fmt.Printf("cleaned up worktree for slot %s\n", settings.SlotID)
	return nil
}

var _ cmds.BareCommand = &worktreeCleanupCommand{}

type releaseListCommand struct{ *cmds.CommandDescription }
type releaseListSettings struct {
	Config string `glazed.parameter:"config"`
	Limit  int    `glazed.parameter:"limit"`
}

func newReleaseListCommand() (*releaseListCommand, error) {
	return &releaseListCommand{CommandDescription: cmds.NewCommandDescription(
		"list", cmds.WithShort("List the most recent releases"),
		cmds.WithFlags(
			configPathFlag(),
			parameters.NewParameterDefinition("limit", parameters.ParameterTypeInteger, parameters.WithHelp("Max rows"), parameters.WithDefault(50)),
		),
	)}, nil
}

func (c *releaseListCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &releaseListSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	releases, err := core.ListReleases(ctx, settings.Limit)
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Commit"})
	for _, r := range releases {
		tw.AppendRow(table.Row{r.ReleaseID, r.Status, r.CommitSHA})
	}
	tw.Render()
	return nil
}

var _ cmds.BareCommand = &releaseListCommand{}

type releaseGetCommand struct{ *cmds.CommandDescription }
type releaseGetSettings struct {
	Config string `glazed.parameter:"config"`
	ID     string `glazed.parameter:"id"`
}

func newReleaseGetCommand() (*releaseGetCommand, error) {
	return &releaseGetCommand{CommandDescription: cmds.NewCommandDescription(
		"get", cmds.WithShort("Get a single release"),
		cmds.WithFlags(
			configPathFlag(),
			parameters.NewParameterDefinition("id", parameters.ParameterTypeString, parameters.WithHelp("Release id"), parameters.WithDefault("")),
		),
	)}, nil
}

func (c *releaseGetCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &releaseGetSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.ID) == "" {
		return fmt.Errorf("--id is required")
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	r, err := core.GetRelease(ctx, settings.ID)
	if err != nil {
		return err
	}
	fmt.Printf("id=%s status=%s commit=%s migration_marker=%s\n", r.ReleaseID, r.Status, r.CommitSHA, r.MigrationMarker)
	return nil
}

var _ cmds.BareCommand = &releaseGetCommand{}
