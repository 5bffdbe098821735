package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	actor     string
)

var rootCmd = &cobra.Command{
	Use:   "docectl",
	Short: "CLI for the doce queue engine",
	Long: `docectl drives the doce engine's admin API: inspect and manage
queue jobs, pause or resume claiming, change worker concurrency and
browse the audit trail.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer(), "Engine server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor recorded in the audit trail (default: DOCE_ACTOR env or anonymous)")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(healthCmd)
}

func defaultServer() string {
	if v := os.Getenv("DOCE_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// resolvedActor returns the actor sent with mutating requests.
// Priority: --actor flag > DOCE_ACTOR env var.
func resolvedActor() string {
	if actor != "" {
		return actor
	}
	return os.Getenv("DOCE_ACTOR")
}
