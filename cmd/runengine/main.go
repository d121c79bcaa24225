// Package main provides the CLI entry point for the run engine worker.
//
// runengine drives queued agent runs end to end: it polls the relational
// store for queued work, claims ownership, streams each run's events to
// Redis, and persists the resulting transcript — see the serve command.
//
// # Basic Usage
//
// Start a worker process:
//
//	runengine serve --config runengine.yaml
//
// Apply pending database migrations:
//
//	runengine migrate up --config runengine.yaml
//
// Validate configuration and collaborator connectivity:
//
//	runengine doctor --config runengine.yaml
//
// # Environment Variables
//
// ${VAR} references inside the YAML config file are expanded from the
// process environment before parsing, so secrets (API keys, DSNs) can stay
// out of the file on disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "runengine:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "runengine",
		Short: "Run Execution Subsystem worker",
		Long: `runengine drives the agent run lifecycle for a multi-tenant LLM
platform: claiming queued runs, executing the LLM/tool step loop, streaming
events to subscribers, and persisting the resulting transcript.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "runengine.yaml", "Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDoctorCmd(),
		buildVersionCmd(),
	)
	return root
}

var version = "dev"

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runengine version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
