package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/memorybridge/internal/usage"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Usage and limit commands",
	}
	cmd.AddCommand(newUsageShowCmd())
	return cmd
}

func newUsageShowCmd() *cobra.Command {
	var configPath, user, tier string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a user's usage in the current period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageShow(cmd, configPath, user, tier)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&user, "user", "u", "", "user ID (required)")
	cmd.Flags().StringVar(&tier, "tier", usage.DefaultTier, "subscription tier")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runUsageShow(cmd *cobra.Command, configPath, user, tier string) error {
	cfg, gormDB, logger, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	limiter, err := usage.NewLimiter(usage.LimiterOpts{
		DB:       gormDB,
		Policies: usage.PoliciesFromConfig(cfg.Tiers),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	rec, err := limiter.Current(context.Background(), user)
	if err != nil {
		return err
	}
	p := limiter.Policy(tier)
	d := usage.CanStart(p, usage.Usage{Recordings: rec.RecordingCount})

	maxRec, maxDur := "unlimited", "unlimited"
	if p.MaxRecordings > 0 {
		maxRec = fmt.Sprintf("%d", p.MaxRecordings)
	}
	if p.MaxDuration > 0 {
		maxDur = p.MaxDuration.String()
	}
	canStart := "yes"
	if !d.Allowed {
		canStart = "no (" + d.Reason.Error() + ")"
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", user)
	fmt.Fprintf(w, "Tier:\t%s\n", p.Tier)
	fmt.Fprintf(w, "Period:\t%s to %s\n", rec.PeriodStart.Format("2006-01-02"), rec.PeriodEnd.Format("2006-01-02"))
	fmt.Fprintf(w, "Recordings:\t%d of %s\n", rec.RecordingCount, maxRec)
	fmt.Fprintf(w, "Recorded:\t%d min\n", rec.RecordingMinutes())
	fmt.Fprintf(w, "Comments:\t%d\n", rec.CommentCount)
	fmt.Fprintf(w, "Max duration:\t%s\n", maxDur)
	fmt.Fprintf(w, "Can start:\t%s\n", canStart)
	return w.Flush()
}

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep now",
		Long: "Force-closes sessions with stale heartbeats, assigns missing retention deadlines, " +
			"deletes sessions past their deadline and reports imminent deletions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, logger, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	c := &core{cfg: cfg, db: gormDB, logger: logger}
	sweeper, err := c.newSweeper()
	if err != nil {
		return err
	}
	res, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d, backfilled %d, deleted %d, signalled %d\n",
		res.TimedOut, res.Backfilled, res.Deleted, res.Signals)
	return nil
}
