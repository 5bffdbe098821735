package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type settingsView struct {
	Paused      bool `json:"paused"`
	Concurrency int  `json:"concurrency"`
}

type statsView struct {
	Queued             int64    `json:"queued"`
	Running            int64    `json:"running"`
	Succeeded          int64    `json:"succeeded"`
	Failed             int64    `json:"failed"`
	Cancelled          int64    `json:"cancelled"`
	OldestQueuedAgeSec *float64 `json:"oldestQueuedAgeSec,omitempty"`
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue-wide settings and stats",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats statsView
		if err := newClient().getJSON(apiBase+"/stats", &stats); err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(stats)
		}
		rows := [][]string{
			{"queued", strconv.FormatInt(stats.Queued, 10)},
			{"running", strconv.FormatInt(stats.Running, 10)},
			{"succeeded", strconv.FormatInt(stats.Succeeded, 10)},
			{"failed", strconv.FormatInt(stats.Failed, 10)},
			{"cancelled", strconv.FormatInt(stats.Cancelled, 10)},
		}
		printTable([]string{"state", "count"}, rows)
		if stats.OldestQueuedAgeSec != nil {
			fmt.Printf("\noldest queued job: %.0fs\n", *stats.OldestQueuedAgeSec)
		}
		return nil
	},
}

var queueSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show queue settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		var s settingsView
		if err := newClient().getJSON(apiBase+"/settings", &s); err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(s)
		}
		printTable([]string{"paused", "concurrency"}, [][]string{
			{strconv.FormatBool(s.Paused), strconv.Itoa(s.Concurrency)},
		})
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause claiming (running jobs finish)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().postJSON(apiBase+"/settings/pause", map[string]bool{"paused": true}, nil); err != nil {
			return err
		}
		fmt.Println("queue paused")
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume claiming",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().postJSON(apiBase+"/settings/pause", map[string]bool{"paused": false}, nil); err != nil {
			return err
		}
		fmt.Println("queue resumed")
		return nil
	},
}

var queueConcurrencyCmd = &cobra.Command{
	Use:   "concurrency <n>",
	Short: "Set max in-flight handlers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid concurrency %q", args[0])
		}
		if err := newClient().postJSON(apiBase+"/settings/concurrency", map[string]int{"concurrency": n}, nil); err != nil {
			return err
		}
		fmt.Printf("concurrency set to %d\n", n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueSettingsCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueConcurrencyCmd)
}
