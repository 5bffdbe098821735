package main

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

type auditEventView struct {
	ID         string `json:"id"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	JobID      string `json:"jobId,omitempty"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Outcome    string `json:"outcome"`
	StatusCode int    `json:"statusCode"`
	CreatedAt  string `json:"createdAt"`
}

var (
	auditActor  string
	auditAction string
	auditJobID  string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Browse the admin audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if auditActor != "" {
			q.Set("actor", auditActor)
		}
		if auditAction != "" {
			q.Set("action", auditAction)
		}
		if auditJobID != "" {
			q.Set("jobId", auditJobID)
		}
		if auditLimit > 0 {
			q.Set("limit", strconv.Itoa(auditLimit))
		}
		path := "/api/audit/v1alpha1/events"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var list struct {
			Events    []auditEventView `json:"events"`
			TotalSize int64            `json:"totalSize"`
		}
		if err := newClient().getJSON(path, &list); err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(list)
		}
		rows := make([][]string, len(list.Events))
		for i, e := range list.Events {
			rows[i] = []string{e.CreatedAt, e.Actor, e.Action, e.JobID, e.Outcome, strconv.Itoa(e.StatusCode)}
		}
		printTable([]string{"time", "actor", "action", "job", "outcome", "status"}, rows)
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditListCmd.Flags().StringVar(&auditJobID, "job", "", "Filter by job id")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 0, "Page size")

	auditCmd.AddCommand(auditListCmd)
}
