package main

import (
	"context"
	"fmt"
	"os"

	"metawsm/internal/service"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/jedib0t/go-pretty/v6/table"
)

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	Config string `glazed.parameter:"config"`
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	return &statusGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"status",
			cmds.WithShort("Summarize run and slot state directly from the store"),
			cmds.WithFlags(configPathFlag()),
		),
	}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, closeFn, err := openLocalCore(settings.Config)
	if err != nil {
		return err
	}
	defer closeFn()

	runs, err := core.ListRuns(ctx, service.ListRunsInput{Limit: 1000})
	if err != nil {
		return err
	}
	byStatus := map[string]int{}
	for _, run := range runs {
		byStatus[string(run.Status)]++
	}

	slots, err := core.ListSlots(ctx)
	if err != nil {
		return err
	}
	leased := 0
	for _, slot := range slots {
		if slot.RunID != "" {
			leased++
		}
	}

	fmt.Printf("runs: %d total\n", len(runs))
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Status", "Count"})
	for status, count := range byStatus {
		tw.AppendRow(table.Row{status, count})
	}
	tw.Render()
	fmt.Printf("slots: %d leased / %d total\n", leased, len(slots))
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}
