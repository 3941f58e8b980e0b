// Command scriptpipe runs every pipeline declared in a YAML configuration
// file against its configured servers, printing real-time output and
// exiting non-zero if any pipeline fails.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/scriptpipe/scriptpipe/internal/config"
	"github.com/scriptpipe/scriptpipe/internal/engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scriptpipe [config]",
		Short:         "Run a declarative remote script pipeline",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	path := "config.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := config.Load(path, nil)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	exec := engine.New(cfg, nil, engine.WithLogger(logger))

	result, err := exec.ExecuteAll(context.Background(), printEvent)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%s", result.Reason)
	}
	return nil
}

func printEvent(evt engine.OutputEvent) {
	switch evt.Kind {
	case engine.KindStdout:
		fmt.Printf("[%s/%s] %s\n", evt.ServerName, evt.Step.Name, evt.Content)
	case engine.KindStderr:
		fmt.Fprintf(os.Stderr, "[%s/%s] %s\n", evt.ServerName, evt.Step.Name, evt.Content)
	case engine.KindLog:
		fmt.Printf("== %s\n", evt.Content)
	}
}
