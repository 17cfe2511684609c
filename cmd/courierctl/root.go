package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// cli holds state shared by every subcommand.
type cli struct {
	apiURL string
	apiKey string
	client *client
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "courierctl",
		Short: "Operate a courier delivery daemon",
		Long: `courierctl talks to a running courierd over its REST API: register
agents, send and broadcast messages, inspect delivery status, and hand out
tasks. "coords validate" works offline against a coordinate file.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.client = newClient(c.apiURL, c.apiKey)
		},
	}

	root.PersistentFlags().StringVar(&c.apiURL, "api-url", envOr("COURIER_API_URL", "http://localhost:8080"), "daemon URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", envOr("COURIER_API_KEY", ""), "API key for Bearer auth")

	root.AddCommand(
		c.healthCmd(),
		c.agentsCmd(),
		c.coordsCmd(),
		c.sendCmd(),
		c.broadcastCmd(),
		c.statusCmd(),
		c.messagesCmd(),
		c.requeueCmd(),
		c.nextTaskCmd(),
		c.tasksCmd(),
		c.workloadsCmd(),
		c.statsCmd(),
	)
	return root
}

// printRaw fetches path and prints the response as indented JSON.
func (c *cli) printRaw(cmd *cobra.Command, path string) error {
	body, err := c.client.get(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
	return nil
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.client.get("/api/health")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue, dispatch and task counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.printRaw(cmd, "/api/stats")
		},
	}
}
