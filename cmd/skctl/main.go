// Package main implements skctl, the command-line client for statekeeperd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/statekeeper/internal/client"
)

// version information
var version = "dev"

const defaultServer = "http://127.0.0.1:8787"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the persistent flags shared by every command.
type cli struct {
	serverURL string
	timeout   time.Duration
	jsonOut   bool
}

func (c *cli) client() *client.Client {
	return client.New(c.serverURL)
}

// requestContext bounds a single command.
func (c *cli) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "skctl",
		Short: "CLI for statekeeperd",
		Long: `skctl reads and writes statekeeper state, records fix attempts and
queries learned patterns over the statekeeperd HTTP API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&c.serverURL, "server", defaultServer, "statekeeperd server URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "output results as JSON")

	root.AddCommand(
		newHealthCmd(c),
		newGetCmd(c),
		newSetCmd(c),
		newDeleteCmd(c),
		newSaveCmd(c),
		newChangesCmd(c),
		newInspectCmd(c),
		newAttemptCmd(c),
		newAggregatesCmd(c),
		newBestCmd(c),
		newAdviceCmd(c),
		newAskCmd(c),
		newGeneralizeCmd(c),
		newDashboardCmd(c),
	)
	return root
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check statekeeperd health",
		Long: `Check the health of the statekeeperd server.

Examples:
  skctl health
  skctl health --server http://localhost:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			h, err := c.client().Health(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, h)
			}
			saved := "saved"
			if h.Dirty {
				saved = "unsaved changes"
			}
			fmt.Fprintf(out, "Status:     %s\n", h.Status)
			fmt.Fprintf(out, "State:      %s\n", saved)
			fmt.Fprintf(out, "Change log: %d entries\n", h.ChangeLog)
			if h.LastChange > 0 {
				fmt.Fprintf(out, "Last change: %s\n", time.UnixMilli(h.LastChange).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}
