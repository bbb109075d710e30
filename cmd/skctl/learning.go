package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/statekeeper/internal/client"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
	"github.com/fyrsmithlabs/statekeeper/internal/monitor"
)

func newAttemptCmd(c *cli) *cobra.Command {
	var (
		rec      learning.FixAttemptRecord
		result   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "attempt",
		Short: "Record a concluded fix attempt",
		Long: `Record one fix attempt so its outcome feeds the learned patterns.

Examples:
  skctl attempt --issue-type powershell --method search_brackets --result failure --duration 30m
  skctl attempt --issue-type powershell --method check_try_catch --result success --duration 5m \
    --symptom "Missing closing '}' in statement block"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec.Result = learning.Result(result)
			rec.DurationMs = duration.Milliseconds()
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			agg, err := c.client().RecordAttempt(ctx, &rec)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, agg)
			}
			fmt.Fprintf(out, "%s/%s: %s success over %d attempts, %s wasted\n",
				agg.IssueType, agg.FixMethod,
				monitor.FormatPercentage(agg.SuccessRate), agg.Frequency,
				monitor.FormatMillis(agg.TimeWasted))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&rec.IssueType, "issue-type", "", "issue type (required)")
	f.StringVar(&rec.FixMethod, "method", "", "fix method tried (required)")
	f.StringVar(&result, "result", "", "success, failure or partial (required)")
	f.DurationVar(&duration, "duration", 0, "time spent on the attempt")
	f.Int64Var(&rec.TimestampStart, "start", 0, "attempt start in unix milliseconds (default: now minus duration)")
	f.StringVar(&rec.IssueID, "issue-id", "", "issue the attempt belongs to")
	f.StringVar(&rec.Component, "component", "", "component affected")
	f.StringVar(&rec.Symptom, "symptom", "", "error text observed")
	f.StringVar(&rec.Details, "details", "", "free-form notes")
	_ = cmd.MarkFlagRequired("issue-type")
	_ = cmd.MarkFlagRequired("method")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func newAggregatesCmd(c *cli) *cobra.Command {
	var issueType string
	cmd := &cobra.Command{
		Use:   "aggregates",
		Short: "List learned fix patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			aggs, err := c.client().Aggregates(ctx, issueType)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(cmd.OutOrStdout(), aggs)
			}
			return printAggregates(cmd.OutOrStdout(), aggs)
		},
	}
	cmd.Flags().StringVar(&issueType, "issue-type", "", "only this issue type")
	return cmd
}

func printAggregates(out io.Writer, aggs []*learning.PatternAggregate) error {
	if len(aggs) == 0 {
		fmt.Fprintln(out, "no attempts recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE TYPE\tMETHOD\tRATE\tATTEMPTS\tWASTED\tBEST")
	for _, a := range aggs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			a.IssueType, a.FixMethod,
			monitor.FormatPercentage(a.SuccessRate), a.Frequency,
			monitor.FormatMillis(a.TimeWasted), a.BestKnownSolution)
	}
	return w.Flush()
}

func newBestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "best <issue-type>",
		Short: "Show the best-known fix method for an issue type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			sol, err := c.client().Best(ctx, args[0])
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("no attempts recorded for %s", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, sol)
			}
			fmt.Fprintf(out, "%s: %s success over %d attempts\n",
				sol.Method, monitor.FormatPercentage(sol.SuccessRate), sol.Frequency)
			return nil
		},
	}
}

func newAdviceCmd(c *cli) *cobra.Command {
	var issueType, errorMessage, component string
	cmd := &cobra.Command{
		Use:   "advice",
		Short: "Warn about methods that failed before",
		Long: `Look up past misdiagnoses by issue type or by the error text observed.

Examples:
  skctl advice --issue-type powershell
  skctl advice --error "Missing closing '}' in statement block at line 42"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if issueType == "" && errorMessage == "" {
				return errors.New("one of --issue-type or --error is required")
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			adv, err := c.client().Advice(ctx, issueType, errorMessage, component)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, adv)
			}
			fmt.Fprintln(out, adv.Summary())
			return nil
		},
	}
	cmd.Flags().StringVar(&issueType, "issue-type", "", "issue type")
	cmd.Flags().StringVar(&errorMessage, "error", "", "error text observed")
	cmd.Flags().StringVar(&component, "component", "", "component affected")
	return cmd
}

func newAskCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about learned patterns",
		Long: `Ask a free-form question. Recognized questions cover best solutions,
advisories, time wasted, stored values and pattern listings.

Examples:
  skctl ask "what is the best fix for powershell"
  skctl ask "how much time was wasted on powershell"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			ans, err := c.client().Ask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, ans)
			}
			fmt.Fprintln(out, ans.Text)
			return nil
		},
	}
}

func newGeneralizeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "generalize",
		Short: "Merge fix patterns whose keys differ only in volatile details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.requestContext(cmd)
			defer cancel()
			rep, err := c.client().Generalize(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, rep)
			}
			fmt.Fprintf(out, "rewrote %d records, %d patterns -> %d\n",
				rep.RecordsRewritten, rep.KeysBefore, rep.KeysAfter)
			return nil
		},
	}
}
