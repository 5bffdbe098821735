package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

const apiBase = "/api/queue/v1alpha1"

type jobView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	State       string          `json:"state"`
	ProjectID   string          `json:"projectId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       string          `json:"runAt"`
	LockedBy    string          `json:"lockedBy,omitempty"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`
}

type jobListView struct {
	Jobs      []jobView `json:"jobs"`
	TotalSize int64     `json:"totalSize"`
}

var (
	jobsState     string
	jobsType      string
	jobsProjectID string
	jobsSearch    string
	jobsLimit     int
	jobsOffset    int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queue jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if jobsState != "" {
			q.Set("state", jobsState)
		}
		if jobsType != "" {
			q.Set("type", jobsType)
		}
		if jobsProjectID != "" {
			q.Set("projectId", jobsProjectID)
		}
		if jobsSearch != "" {
			q.Set("q", jobsSearch)
		}
		if jobsLimit > 0 {
			q.Set("limit", strconv.Itoa(jobsLimit))
		}
		if jobsOffset > 0 {
			q.Set("offset", strconv.Itoa(jobsOffset))
		}
		path := apiBase + "/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var list jobListView
		if err := newClient().getJSON(path, &list); err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(list)
		}

		rows := make([][]string, len(list.Jobs))
		for i, j := range list.Jobs {
			rows[i] = []string{
				j.ID, string(j.Type), j.State, j.ProjectID,
				fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
				j.RunAt, truncate(j.LastError, 40),
			}
		}
		printTable([]string{"id", "type", "state", "project", "attempts", "run at", "last error"}, rows)
		fmt.Printf("\n%d job(s)\n", list.TotalSize)
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job jobView
		if err := newClient().getJSON(apiBase+"/jobs/"+args[0], &job); err != nil {
			return err
		}
		if outputFmt == "table" {
			outputFmt = "yaml"
		}
		return printOutput(job)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := newClient().postJSON(apiBase+"/jobs/"+args[0]+":cancel", nil, &out); err != nil {
			return err
		}
		fmt.Printf("job %s: %v\n", args[0], out["status"])
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-enqueue a terminal job as a new job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job jobView
		if err := newClient().postJSON(apiBase+"/jobs/"+args[0]+":retry", nil, &job); err != nil {
			return err
		}
		fmt.Printf("retried as %s\n", job.ID)
		return nil
	},
}

var jobsRunNowCmd = &cobra.Command{
	Use:   "run-now <job-id>",
	Short: "Make a queued job immediately eligible",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().postJSON(apiBase+"/jobs/"+args[0]+":run-now", nil, nil); err != nil {
			return err
		}
		fmt.Printf("job %s scheduled now\n", args[0])
		return nil
	},
}

var jobsForceUnlockCmd = &cobra.Command{
	Use:   "force-unlock <job-id>",
	Short: "Force a wedged job to failed, clearing its lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().postJSON(apiBase+"/jobs/"+args[0]+":force-unlock", nil, nil); err != nil {
			return err
		}
		fmt.Printf("job %s force-unlocked\n", args[0])
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a terminal job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().delete(apiBase+"/jobs/"+args[0], nil); err != nil {
			return err
		}
		fmt.Printf("job %s deleted\n", args[0])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsState, "state", "", "Filter by state")
	jobsListCmd.Flags().StringVar(&jobsType, "type", "", "Filter by job type")
	jobsListCmd.Flags().StringVar(&jobsProjectID, "project", "", "Filter by project id")
	jobsListCmd.Flags().StringVar(&jobsSearch, "search", "", "Free-text match against payload and last error")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 0, "Page size")
	jobsListCmd.Flags().IntVar(&jobsOffset, "offset", 0, "Page offset")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsRunNowCmd)
	jobsCmd.AddCommand(jobsForceUnlockCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
