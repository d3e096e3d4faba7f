package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "collab_server",
		Short:        "Real-time collaboration server for engineering design documents",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildPruneCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to collabConfig.yaml")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the MySQL tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to collabConfig.yaml")
	return cmd
}

func buildPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  string
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete persisted operations older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context(), configPath, olderThan)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to collabConfig.yaml")
	cmd.Flags().StringVar(&olderThan, "older-than", "", "Override collab.retention, e.g. 168h")
	return cmd
}
