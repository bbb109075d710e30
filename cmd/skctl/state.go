package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/client"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	"github.com/fyrsmithlabs/statekeeper/internal/persistence"
)

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get [path]",
		Short: "Print the value at a path",
		Long: `Print the JSON value stored at a dot-separated path. Without a path the
whole document is printed.

Examples:
  skctl get game.chips.total
  skctl get`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			v, err := c.client().Get(ctx, path)
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("no value at %q", path)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

// parseValue reads a command-line value as JSON, falling back to a plain
// string. "-" reads the value from in.
func parseValue(arg string, in io.Reader) (json.RawMessage, error) {
	if arg == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		arg = strings.TrimSpace(string(data))
	}
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg), nil
	}
	return json.Marshal(arg)
}

func newSetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Write a value at a path",
		Long: `Write a value at a dot-separated path. The value is parsed as JSON; anything
that is not valid JSON is stored as a string. Use - to read the value from stdin.

Examples:
  skctl set game.chips.total 1000
  skctl set issues.i1.title "Login fails"
  cat fix.json | skctl set fixes.f1 -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseValue(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			if err := c.client().Set(ctx, args[0], raw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Remove the value at a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			removed, err := c.client().Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing at %s\n", args[0])
			}
			return nil
		},
	}
}

func newSaveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Save pending changes to disk now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			res, err := c.client().Save(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "saved %s (%d bytes, %d sections re-encoded, %d log entries)\n",
				res.Path, res.Bytes, res.Encoded, res.Entries)
			return nil
		},
	}
}

func newChangesCmd(c *cli) *cobra.Command {
	var (
		prefix string
		since  time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List recent change log entries",
		Long: `List the newest change log entries, optionally under a path prefix.

Examples:
  skctl changes --prefix learning --limit 20
  skctl changes --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sinceMs int64
			if since > 0 {
				sinceMs = time.Now().Add(-since).UnixMilli()
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			entries, err := c.client().Changes(ctx, prefix, sinceMs, limit)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only entries at or under this path")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this age")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func printEntries(out io.Writer, entries []changelog.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no changes")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tOP\tCLASS\tPATH\tVALUE")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			e.Op, e.Class, e.Path, entryValue(e))
	}
	return w.Flush()
}

func entryValue(e changelog.Entry) string {
	switch {
	case e.Placeholder:
		return "(unserializable)"
	case e.NewValue != nil:
		return truncate(e.NewValue.String(), 60)
	case e.Preview != "":
		return truncate(e.Preview, 60)
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func newInspectCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <state-file> [path]",
		Short: "Read a state file without a running daemon",
		Long: `Decode a state file offline and print the value at path, or a summary of
the document and its saved change log.

Examples:
  skctl inspect ~/.local/share/statekeeper/state.json
  skctl inspect state.json learning.patterns`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, entries, err := persistence.Inspect(args[0], nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				v, ok := root.Lookup(args[1])
				if !ok {
					return fmt.Errorf("no value at %q", args[1])
				}
				return printJSON(out, v)
			}
			if c.jsonOut {
				return printJSON(out, map[string]any{"document": root, "changeLog": entries})
			}
			return printSummary(out, root, entries)
		},
	}
}

func printSummary(out io.Writer, root document.Value, entries []changelog.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tKIND\tSIZE")
	for _, k := range root.Keys() {
		v, _ := root.Field(k)
		fmt.Fprintf(w, "%s\t%s\t%d\n", k, v.Kind(), v.Len())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nchange log: %d entries\n", len(entries))
	return nil
}
