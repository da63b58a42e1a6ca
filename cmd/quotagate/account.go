package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/bootstrap"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <account>",
	Short: "Show the enforcement status of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check <account> <metric>",
	Short: "Check whether a write of metric may proceed",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheck,
}

var recordCmd = &cobra.Command{
	Use:   "record <account> <metric> [amount]",
	Short: "Record usage of a metric (default amount 1)",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runRecord,
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <account>",
	Short: "Suspend an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuspend,
}

var reinstateCmd = &cobra.Command{
	Use:   "reinstate <account>",
	Short: "Reinstate a suspended account",
	Args:  cobra.ExactArgs(1),
	RunE:  runReinstate,
}

var rolloverCmd = &cobra.Command{
	Use:   "rollover [account]",
	Short: "Start a new billing period",
	Long: `Archive live counters and start a new billing period.

With an account the period is rolled over immediately. Without one every
account whose period has ended is rolled over.

Examples:
  quotagate rollover
  quotagate rollover acct_123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollover,
}

var transitionsCmd = &cobra.Command{
	Use:   "transitions <account>",
	Short: "List recent state transitions of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runTransitions,
}

var (
	suspendReason    string
	transitionsLimit int
)

func init() {
	rootCmd.AddCommand(statusCmd, checkCmd, recordCmd, suspendCmd, reinstateCmd, rolloverCmd, transitionsCmd)

	suspendCmd.Flags().StringVar(&suspendReason, "reason", "", "reason shown in the account status")
	transitionsCmd.Flags().IntVar(&transitionsLimit, "limit", 20, "number of transitions to show")
}

// withApp builds the application against the configured storage, runs fn
// and shuts down so buffered history reaches the database.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *bootstrap.App) error) error {
	a, err := bootstrap.New(bootstrap.Options{ConfigPath: cfgFile, Version: version, LogOutput: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Shutdown()
	if a.DB == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: memory storage, changes are discarded on exit")
	}
	return fn(cmd.Context(), a)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
		st, err := a.Gate.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	})
}

func printStatus(out io.Writer, st app.Status) {
	fmt.Fprintf(out, "Account: %s\n", st.AccountID)
	fmt.Fprintf(out, "Plan:    %s\n", st.PlanID)
	fmt.Fprintf(out, "State:   %s\n", st.State)
	if st.GraceEndsAt != nil {
		fmt.Fprintf(out, "Grace:   ends %s\n", st.GraceEndsAt.Format(time.RFC3339))
	}
	if st.SuspendReason != "" {
		fmt.Fprintf(out, "Reason:  %s\n", st.SuspendReason)
	}
	if st.Stale {
		fmt.Fprintln(out, "(stale: storage unavailable)")
	}

	if len(st.Snapshot) == 0 {
		fmt.Fprint(out, "\nNo limited metrics.\n")
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tUSAGE\tLIMIT\tPERCENT\tENFORCEMENT")
	for _, u := range st.Snapshot {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\t%s\n", u.Metric, u.Used, u.Limit, u.Percentage, enforcement(st.Policy, u.Metric))
	}
	w.Flush()
}

func enforcement(p quota.Policy, m quota.Metric) string {
	switch d := quota.Decide(p, m).(type) {
	case quota.Sample:
		return "sample 1/" + strconv.Itoa(d.Rate)
	case quota.Deny:
		return "deny (" + string(d.Reason) + ")"
	default:
		return "-"
	}
}

func parseMetric(s string) (quota.Metric, error) {
	m, err := quota.ParseMetric(s)
	if err != nil {
		return "", fmt.Errorf("%w (known: %v)", err, quota.AllMetrics())
	}
	return m, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	m, err := parseMetric(args[1])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
		res := a.Gate.Check(ctx, args[0], m)
		out := cmd.OutOrStdout()
		switch d := res.Decision.(type) {
		case quota.Sample:
			fmt.Fprintf(out, "sample 1/%d", d.Rate)
		case quota.Deny:
			fmt.Fprintf(out, "deny (%s)", d.Reason)
		default:
			fmt.Fprint(out, "allow")
		}
		fmt.Fprintf(out, " [state %s", res.State)
		if res.Fallback {
			fmt.Fprint(out, ", fallback")
		}
		fmt.Fprintln(out, "]")
		return nil
	})
}

func runRecord(cmd *cobra.Command, args []string) error {
	m, err := parseMetric(args[1])
	if err != nil {
		return err
	}
	by := int64(1)
	if len(args) == 3 {
		by, err = strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[2], err)
		}
	}
	return withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
		n, err := a.Gate.RecordUsage(ctx, args[0], m, by)
		if err != nil {
			return err
		}
		st, err := a.Gate.Evaluate(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %d (state %s)\n", args[0], m, n, st.State)
		return nil
	})
}

func runSuspend(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
		rec, err := a.Gate.Suspend(ctx, args[0], suspendReason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", rec.AccountID, rec.State)
		return nil
	})
}

func runReinstate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
		rec, err := a.Gate.Reinstate(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", rec.AccountID, rec.State)
		return nil
	})
}

func runRollover(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			p, err := a.Rollover.RolloverAccount(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: archived %s to %s (%d total)\n", args[0],
				p.PeriodStart.Format("2006-01-02"), p.PeriodEnd.Format("2006-01-02"), p.Total())
			return nil
		}

		res, err := a.Rollover.RolloverDue(ctx)
		fmt.Fprintf(out, "rolled over %d accounts, %d already current\n", len(res.Rolled), res.Skipped)
		return err
	})
}

func runTransitions(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
		list, err := a.Events.List(ctx, args[0], transitionsLimit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transitions.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tFROM\tTO\tREASON\tMETRIC")
		for _, t := range list {
			metric := "-"
			if t.Metric != "" {
				metric = fmt.Sprintf("%s (%.1f%%)", t.Metric, t.Percentage)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.At.Format(time.RFC3339), t.From, t.To, t.Reason, metric)
		}
		return w.Flush()
	})
}
