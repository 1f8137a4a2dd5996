package main

import (
	"fmt"

	"metawsm/internal/model"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func printUsage() {
	fmt.Println("metawsm is the multi-ticket multi-workspace control plane CLI.")
	fmt.Println("Run `metawsm --help` for the full command list.")
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "metawsm",
		Short:         "control plane for run lifecycle, slot leasing, and merge gating",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	top := []cmds.Command{}

	configInitCmd, err := newConfigInitGlazedCommand()
	if err != nil {
		return nil, err
	}
	top = append(top, configInitCmd)

	serveCmd, err := newServeGlazedCommand()
	if err != nil {
		return nil, err
	}
	top = append(top, serveCmd)

	statusCmd, err := newStatusGlazedCommand()
	if err != nil {
		return nil, err
	}
	top = append(top, statusCmd)

	for _, command := range top {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	runsGroup, err := buildRunsGroup()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(runsGroup)

	slotsGroup, err := buildSlotsGroup()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(slotsGroup)

	worktreesGroup, err := buildWorktreesGroup()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(worktreesGroup)

	releasesGroup, err := buildReleasesGroup()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(releasesGroup)

	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

// buildGroup wires a parent cobra command ("runs", "slots", ...) whose
// children are the glazed commands children returns, using cobra's
// standard parent/child composition.
func buildGroup(use, short string, children ...cmds.Command) (*cobra.Command, error) {
	parent := &cobra.Command{Use: use, Short: short}
	for _, child := range children {
		cobraChild, err := buildGlazedCobraCommand(child)
		if err != nil {
			return nil, err
		}
		parent.AddCommand(cobraChild)
	}
	return parent, nil
}

func buildRunsGroup() (*cobra.Command, error) {
	submit, err := newRunSubmitCommand()
	if err != nil {
		return nil, err
	}
	list, err := newRunListCommand()
	if err != nil {
		return nil, err
	}
	get, err := newRunGetCommand()
	if err != nil {
		return nil, err
	}
	transition, err := newRunTransitionCommand()
	if err != nil {
		return nil, err
	}
	cancel, err := newRunCancelCommand()
	if err != nil {
		return nil, err
	}
	expire, err := newRunExpireCommand()
	if err != nil {
		return nil, err
	}
	retry, err := newRunRetryCommand()
	if err != nil {
		return nil, err
	}
	resume, err := newRunResumeCommand()
	if err != nil {
		return nil, err
	}
	approve, err := newRunApprovalCommand("approve", "Record an approval for a run", model.ApprovalDecisionApproved)
	if err != nil {
		return nil, err
	}
	reject, err := newRunApprovalCommand("reject", "Record a rejection for a run", model.ApprovalDecisionRejected)
	if err != nil {
		return nil, err
	}
	return buildGroup("runs", "Run lifecycle operations", submit, list, get, transition, cancel, expire, retry, resume, approve, reject)
}

func buildSlotsGroup() (*cobra.Command, error) {
	list, err := newSlotListCommand()
	if err != nil {
		return nil, err
	}
	acquire, err := newSlotAcquireCommand()
	if err != nil {
		return nil, err
	}
	heartbeat, err := newSlotHeartbeatCommand()
	if err != nil {
		return nil, err
	}
	release, err := newSlotReleaseCommand()
	if err != nil {
		return nil, err
	}
	reap, err := newSlotReapCommand()
	if err != nil {
		return nil, err
	}
	return buildGroup("slots", "Preview slot lease operations", list, acquire, heartbeat, release, reap)
}

func buildWorktreesGroup() (*cobra.Command, error) {
	list, err := newWorktreeListCommand()
	if err != nil {
		return nil, err
	}
	assign, err := newWorktreeAssignCommand()
	if err != nil {
		return nil, err
	}
	cleanup, err := newWorktreeCleanupCommand()
	if err != nil {
		return nil, err
	}
	return buildGroup("worktrees", "Slot worktree binding operations", list, assign, cleanup)
}

func buildReleasesGroup() (*cobra.Command, error) {
	list, err := newReleaseListCommand()
	if err != nil {
		return nil, err
	}
	get, err := newReleaseGetCommand()
	if err != nil {
		return nil, err
	}
	return buildGroup("releases", "Merged release history", list, get)
}
