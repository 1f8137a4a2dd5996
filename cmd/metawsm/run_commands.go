package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"metawsm/internal/model"
	"metawsm/internal/runstate"
	"metawsm/internal/service"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/jedib0t/go-pretty/v6/table"
)

func configPathFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"config",
		parameters.ParameterTypeString,
		parameters.WithHelp("Path to the control plane config file"),
		parameters.WithDefault(configPathFlagDefault()),
	)
}

type runSubmitCommand struct{ *cmds.CommandDescription }

type runSubmitSettings struct {
	Config    string `glazed.parameter:"config"`
	Title     string `glazed.parameter:"title"`
	Prompt    string `glazed.parameter:"prompt"`
	Route     string `glazed.parameter:"route"`
	CreatedBy string `glazed.parameter:"created-by"`
}

func newRunSubmitCommand() (*runSubmitCommand, error) {
	return &runSubmitCommand{CommandDescription: cmds.NewCommandDescription(
		"submit",
		cmds.WithShort("Submit a new run"),
		cmds.WithFlags(
			configPathFlag(),
			parameters.NewParameterDefinition("title", parameters.ParameterTypeString, parameters.WithHelp("Run title"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("prompt", parameters.ParameterTypeString, parameters.WithHelp("Run prompt"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("route", parameters.ParameterTypeString, parameters.WithHelp("Route under test"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("created-by", parameters.ParameterTypeString, parameters.WithHelp("Actor id submitting the run"), parameters.WithDefault("")),
		),
	)}, nil
}

func (c *runSubmitCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runSubmitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Title) == "" || strings.TrimSpace(settings.Prompt) == "" {
		return fmt.Errorf("--title and --prompt are required")
	}

	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	run, err := core.SubmitRun(ctx, service.SubmitRunInput{
		Title: settings.Title, Prompt: settings.Prompt, Route: settings.Route, CreatedBy: settings.CreatedBy,
	})
	if err != nil {
		return err
	}
	fmt.Printf("submitted run %s (status=%s)\n", run.RunID, run.Status)
	return nil
}

var _ cmds.BareCommand = &runSubmitCommand{}

type runListCommand struct{ *cmds.CommandDescription }

type runListSettings struct {
	Config string `glazed.parameter:"config"`
	Status string `glazed.parameter:"status"`
	Route  string `glazed.parameter:"route"`
	Limit  int    `glazed.parameter:"limit"`
	Offset int    `glazed.parameter:"offset"`
}

func newRunListCommand() (*runListCommand, error) {
	return &runListCommand{CommandDescription: cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List runs"),
		cmds.WithFlags(
			configPathFlag(),
			parameters.NewParameterDefinition("status", parameters.ParameterTypeString, parameters.WithHelp("Filter by status"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("route", parameters.ParameterTypeString, parameters.WithHelp("Filter by route"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("limit", parameters.ParameterTypeInteger, parameters.WithHelp("Max rows"), parameters.WithDefault(50)),
			parameters.NewParameterDefinition("offset", parameters.ParameterTypeInteger, parameters.WithHelp("Row offset"), parameters.WithDefault(0)),
		),
	)}, nil
}

func (c *runListCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runListSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	runs, err := core.ListRuns(ctx, service.ListRunsInput{
		Status: model.RunStatus(settings.Status), Route: settings.Route, Limit: settings.Limit, Offset: settings.Offset,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Route", "Title", "Updated"})
	for _, run := range runs {
		tw.AppendRow(table.Row{run.RunID, run.Status, run.Route, run.Title, humanize.Time(run.UpdatedAt)})
	}
	tw.Render()
	return nil
}

var _ cmds.BareCommand = &runListCommand{}

type runIDSettings struct {
	Config string `glazed.parameter:"config"`
	ID     string `glazed.parameter:"id"`
}

func runIDFlags() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		configPathFlag(),
		parameters.NewParameterDefinition("id", parameters.ParameterTypeString, parameters.WithHelp("Run id"), parameters.WithDefault("")),
	}
}

type runGetCommand struct{ *cmds.CommandDescription }

func newRunGetCommand() (*runGetCommand, error) {
	return &runGetCommand{CommandDescription: cmds.NewCommandDescription(
		"get", cmds.WithShort("Get a run"), cmds.WithFlags(runIDFlags()...),
	)}, nil
}

func (c *runGetCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runIDSettings{}
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

	run, err := core.GetRun(ctx, settings.ID)
	if err != nil {
		return err
	}
	fmt.Printf("id=%s status=%s route=%s title=%q created_by=%s updated=%s\n",
		run.RunID, run.Status, run.Route, run.Title, run.CreatedBy, humanize.Time(run.UpdatedAt))
	return nil
}

var _ cmds.BareCommand = &runGetCommand{}

// newRunActionCommand builds cancel/expire, a run id plus an optional
// free-text reason.
func newRunActionCommand(name, short string, call func(context.Context, *runIDReasonSettings) (model.Run, error)) (*runActionCommand, error) {
	return &runActionCommand{
		CommandDescription: cmds.NewCommandDescription(
			name, cmds.WithShort(short),
			cmds.WithFlags(
				configPathFlag(),
				parameters.NewParameterDefinition("id", parameters.ParameterTypeString, parameters.WithHelp("Run id"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("reason", parameters.ParameterTypeString, parameters.WithHelp("Reason"), parameters.WithDefault("")),
			),
		),
		call: call,
	}, nil
}

type runIDReasonSettings struct {
	Config string `glazed.parameter:"config"`
	ID     string `glazed.parameter:"id"`
	Reason string `glazed.parameter:"reason"`
}

type runActionCommand struct {
	*cmds.CommandDescription
	call func(context.Context, *runIDReasonSettings) (model.Run, error)
}

func (c *runActionCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runIDReasonSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.ID) == "" {
		return fmt.Errorf("--id is required")
	}
	run, err := c.call(ctx, settings)
	if err != nil {
		return err
	}
	fmt.Printf("run %s now status=%s\n", run.RunID, run.Status)
	return nil
}

var _ cmds.BareCommand = &runActionCommand{}

func newRunCancelCommand() (*runActionCommand, error) {
	return newRunActionCommand("cancel", "Cancel a run", func(ctx context.Context, s *runIDReasonSettings) (model.Run, error) {
		core, closeFn, err := openLocalCore(s.Config)
		if err != nil {
			return model.Run{}, err
		}
		defer closeFn()
		return core.Cancel(ctx, s.ID, s.Reason)
	})
}

func newRunExpireCommand() (*runActionCommand, error) {
	return newRunActionCommand("expire", "Expire a run", func(ctx context.Context, s *runIDReasonSettings) (model.Run, error) {
		core, closeFn, err := openLocalCore(s.Config)
		if err != nil {
			return model.Run{}, err
		}
		defer closeFn()
		return core.Expire(ctx, s.ID, s.Reason)
	})
}

type runCreatedBySettings struct {
	Config    string `glazed.parameter:"config"`
	ID        string `glazed.parameter:"id"`
	CreatedBy string `glazed.parameter:"created-by"`
}

type runActorActionCommand struct {
	*cmds.CommandDescription
	call func(context.Context, *runCreatedBySettings) (model.Run, error)
}

func (c *runActorActionCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runCreatedBySettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.ID) == "" {
		return fmt.Errorf("--id is required")
	}
	run, err := c.call(ctx, settings)
	if err != nil {
		return err
	}
	fmt.Printf("run %s now status=%s\n", run.RunID, run.Status)
	return nil
}

var _ cmds.BareCommand = &runActorActionCommand{}

func newRunActorActionCommand(name, short string, call func(context.Context, *runCreatedBySettings) (model.Run, error)) (*runActorActionCommand, error) {
	return &runActorActionCommand{
		CommandDescription: cmds.NewCommandDescription(
			name, cmds.WithShort(short),
			cmds.WithFlags(
				configPathFlag(),
				parameters.NewParameterDefinition("id", parameters.ParameterTypeString, parameters.WithHelp("Run id"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("created-by", parameters.ParameterTypeString, parameters.WithHelp("Actor id"), parameters.WithDefault("")),
			),
		),
		call: call,
	}, nil
}

func newRunRetryCommand() (*runActorActionCommand, error) {
	return newRunActorActionCommand("retry", "Retry a failed run", func(ctx context.Context, s *runCreatedBySettings) (model.Run, error) {
		core, closeFn, err := openLocalCore(s.Config)
		if err != nil {
			return model.Run{}, err
		}
		defer closeFn()
		return core.Retry(ctx, s.ID, s.CreatedBy)
	})
}

func newRunResumeCommand() (*runActorActionCommand, error) {
	return newRunActorActionCommand("resume", "Resume an expired run as a new queued run", func(ctx context.Context, s *runCreatedBySettings) (model.Run, error) {
		core, closeFn, err := openLocalCore(s.Config)
		if err != nil {
			return model.Run{}, err
		}
		defer closeFn()
		return core.Resume(ctx, s.ID, s.CreatedBy)
	})
}

type runApprovalSettings struct {
	Config     string `glazed.parameter:"config"`
	ID         string `glazed.parameter:"id"`
	ReviewerID string `glazed.parameter:"reviewer-id"`
	Reason     string `glazed.parameter:"reason"`
}

type runApprovalCommand struct {
	*cmds.CommandDescription
	decision model.ApprovalDecision
}

func newRunApprovalCommand(name, short string, decision model.ApprovalDecision) (*runApprovalCommand, error) {
	return &runApprovalCommand{
		CommandDescription: cmds.NewCommandDescription(
			name, cmds.WithShort(short),
			cmds.WithFlags(
				configPathFlag(),
				parameters.NewParameterDefinition("id", parameters.ParameterTypeString, parameters.WithHelp("Run id"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("reviewer-id", parameters.ParameterTypeString, parameters.WithHelp("Reviewer actor id"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("reason", parameters.ParameterTypeString, parameters.WithHelp("Reason"), parameters.WithDefault("")),
			),
		),
		decision: decision,
	}, nil
}

func (c *runApprovalCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runApprovalSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.ID) == "" || strings.TrimSpace(settings.ReviewerID) == "" {
		return fmt.Errorf("--id and --reviewer-id are required")
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	run, err := core.RecordApproval(ctx, settings.ID, settings.ReviewerID, c.decision, settings.Reason)
	if err != nil {
		return err
	}
	fmt.Printf("run %s now status=%s\n", run.RunID, run.Status)
	return nil
}

var _ cmds.BareCommand = &runApprovalCommand{}

type runTransitionCommand struct{ *cmds.CommandDescription }

type runTransitionSettings struct {
	Config   string `glazed.parameter:"config"`
	ID       string `glazed.parameter:"id"`
	ToStatus string `glazed.parameter:"to-status"`
}

func newRunTransitionCommand() (*runTransitionCommand, error) {
	return &runTransitionCommand{CommandDescription: cmds.NewCommandDescription(
		"transition",
		cmds.WithShort("Force a run's status machine transition"),
		cmds.WithFlags(
			configPathFlag(),
			parameters.NewParameterDefinition("id", parameters.ParameterTypeString, parameters.WithHelp("Run id"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("to-status", parameters.ParameterTypeString, parameters.WithHelp("Target status"), parameters.WithDefault("")),
		),
	)}, nil
}

func (c *runTransitionCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runTransitionSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.ID) == "" || strings.TrimSpace(settings.ToStatus) == "" {
		return fmt.Errorf("--id and --to-status are required")
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	run, err := core.Transition(ctx, runstate.TransitionInput{
		RunID: settings.ID, ToStatus: model.RunStatus(settings.ToStatus), EventType: "cli_transition_requested",
	})
	if err != nil {
		return err
	}
	fmt.Printf("run %s now status=%s\n", run.RunID, run.Status)
	return nil
}

var _ cmds.BareCommand = &runTransitionCommand{}
