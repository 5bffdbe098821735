package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health and readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var health map[string]any
		if err := c.getJSON("/healthz", &health); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		var ready map[string]any
		if err := c.getJSON("/readyz", &ready); err != nil {
			return fmt.Errorf("readiness check failed: %w", err)
		}
		fmt.Printf("health: %v\nready:  %v\n", health["status"], ready["status"])
		return nil
	},
}
