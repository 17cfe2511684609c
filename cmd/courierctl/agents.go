package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/courier/internal/api"
	"github.com/h1v3-io/courier/internal/coords"
	"github.com/h1v3-io/courier/pkg/protocol"
)

func (c *cli) agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List and register agents",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents with their coordinates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.client.get("/api/agents")
			if err != nil {
				return err
			}
			var agents []protocol.Agent
			if err := json.Unmarshal(body, &agents); err != nil {
				return fmt.Errorf("decode agents: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, a := range agents {
				target := "-"
				if a.Coordinates != nil {
					target = a.Coordinates.Primary.String()
				}
				fmt.Fprintf(out, "%-16s %-10s %s\n", a.ID, a.Monitor(), target)
			}
			return nil
		},
	}

	register := &cobra.Command{
		Use:   "register <id>",
		Short: "Register an agent (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.client.post("/api/agents", map[string]string{"id": args[0]})
			if err != nil {
				return err
			}
			var resp api.RegisterAgentResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			verb := "already registered"
			if resp.Created {
				verb = "registered"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Agent.ID, verb)
			if resp.Agent.Coordinates == nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s has no coordinates\n", resp.Agent.ID)
			}
			return nil
		},
	}

	cmd.AddCommand(list, register)
	return cmd
}

func (c *cli) coordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coords",
		Short: "Inspect and validate agent coordinates",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show which registered agents have coordinates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.client.get("/api/coordinates")
			if err != nil {
				return err
			}
			var st map[string]protocol.CoordinateStatus
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			ids := make([]string, 0, len(st))
			for id := range st {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			out := cmd.OutOrStdout()
			for _, id := range ids {
				s := st[id]
				if !s.HasCoordinates {
					fmt.Fprintf(out, "%-16s missing\n", id)
					continue
				}
				fmt.Fprintf(out, "%-16s %-10s %s\n", id, s.Coordinates.Monitor, s.Coordinates.Primary)
			}
			return nil
		},
	}

	def := coords.DefaultBounds()
	var minX, maxX, minY, maxY int
	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a coordinate file against the desktop bounds",
		Long: `Parses a JSON or YAML coordinate file locally and reports every
point outside the bounds. Exits non-zero when any agent is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := coords.FileLoader{Path: args[0], Source: protocol.SourcePrimary}.Load(context.Background())
			if err != nil {
				return err
			}
			reg := coords.New(coords.Options{Bounds: protocol.Bounds{
				Min: protocol.Point{X: minX, Y: minY},
				Max: protocol.Point{X: maxX, Y: maxY},
			}})
			report := reg.ValidateAll(cfg)

			out := cmd.OutOrStdout()
			for _, w := range report.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			for _, e := range report.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			if !report.Valid {
				return fmt.Errorf("%d invalid coordinate(s) in %s", len(report.Errors), args[0])
			}
			fmt.Fprintf(out, "%s: %d agents, version %s, all within bounds\n", args[0], len(cfg.Agents), cfg.Version)
			return nil
		},
	}
	validate.Flags().IntVar(&minX, "min-x", def.Min.X, "left edge")
	validate.Flags().IntVar(&maxX, "max-x", def.Max.X, "right edge")
	validate.Flags().IntVar(&minY, "min-y", def.Min.Y, "top edge")
	validate.Flags().IntVar(&maxY, "max-y", def.Max.Y, "bottom edge")

	cmd.AddCommand(status, validate)
	return cmd
}

func (c *cli) nextTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-task <agent>",
		Short: "Pop the next task from an agent's workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.client.get("/api/agents/" + args[0] + "/next-task")
			if err != nil {
				return err
			}
			var resp api.NextTaskResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if resp.Task == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no tasks for %s\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Task.ID, strings.TrimSpace(resp.Task.Description))
			return nil
		},
	}
}
