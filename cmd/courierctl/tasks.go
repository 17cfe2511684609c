package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/courier/internal/api"
	"github.com/h1v3-io/courier/pkg/protocol"
)

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Submit and distribute tasks",
	}

	var payload string
	submit := &cobra.Command{
		Use:   "submit <description...>",
		Short: "Add a task to the pending queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SubmitTaskRequest{Description: strings.Join(args, " ")}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			body, err := c.client.post("/api/tasks", req)
			if err != nil {
				return err
			}
			var task protocol.Task
			if err := json.Unmarshal(body, &task); err != nil {
				return fmt.Errorf("decode task: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}
	submit.Flags().StringVar(&payload, "payload", "", "JSON payload attached to the task")

	distribute := &cobra.Command{
		Use:   "distribute",
		Short: "Hand pending tasks to agents round-robin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.client.post("/api/tasks/distribute", nil)
			if err != nil {
				return err
			}
			return printWorkloads(cmd, body)
		},
	}

	cmd.AddCommand(submit, distribute)
	return cmd
}

func (c *cli) workloadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workloads",
		Short: "Inspect and balance agent workloads",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show each agent's assigned tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.client.get("/api/workloads")
			if err != nil {
				return err
			}
			return printWorkloads(cmd, body)
		},
	}

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Spread assigned tasks evenly across agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.client.post("/api/workloads/balance", nil)
			if err != nil {
				return err
			}
			return printWorkloads(cmd, body)
		},
	}

	cmd.AddCommand(show, balance)
	return cmd
}

// printWorkloads prints one line per agent: id, task count, task ids.
func printWorkloads(cmd *cobra.Command, body []byte) error {
	var loads map[string][]protocol.Task
	if err := json.Unmarshal(body, &loads); err != nil {
		return fmt.Errorf("decode workloads: %w", err)
	}
	ids := make([]string, 0, len(loads))
	for id := range loads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := cmd.OutOrStdout()
	for _, id := range ids {
		taskIDs := make([]string, len(loads[id]))
		for i, t := range loads[id] {
			taskIDs[i] = t.ID
		}
		fmt.Fprintf(out, "%-16s %3d %s\n", id, len(taskIDs), strings.Join(taskIDs, ","))
	}
	return nil
}
