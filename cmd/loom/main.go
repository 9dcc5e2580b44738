// Command loom runs the workflow orchestration engine: durable workflow
// instances, cron schedules and the backpressure-managed job queue, all
// behind one process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loom/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Durable workflow and task orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(newServeCmd(), newValidateCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("loom %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>...",
		Short: "Validate workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				def, err := workflow.LoadSpecFile(path)
				if err != nil {
					fmt.Printf("%s: INVALID: %v\n", path, err)
					failed++
					continue
				}
				fmt.Printf("%s: ok (%s, %d nodes, %d edges)\n",
					path, def.Ref(), len(def.Spec.Nodes), len(def.Spec.Edges))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}
}
