package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/memorybridge/internal/confirm"
	"github.com/zulandar/memorybridge/internal/extract"
	"github.com/zulandar/memorybridge/internal/models"
	"github.com/zulandar/memorybridge/internal/pact"
	"github.com/zulandar/memorybridge/internal/smart"
)

func newActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "actions",
		Aliases: []string{"action"},
		Short:   "List, confirm and score extracted actions",
	}
	cmd.AddCommand(newActionsListCmd())
	cmd.AddCommand(newActionsTransitionCmd())
	cmd.AddCommand(newActionsScoreCmd())
	return cmd
}

type listFlags struct {
	configPath string
	user       string
	device     string
	session    string
	query      pact.Query
	save       bool
}

func newActionsListCmd() *cobra.Command {
	var f listFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions with the saved or given sort and filters",
		Long: "Lists a session's actions, or every action of a user. The user's saved view for the " +
			"device applies unless overridden by --sort, --order, --status, --type or --priority.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionsList(cmd, f)
		},
	}

	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "user ID (required)")
	cmd.Flags().StringVar(&f.device, "device", "cli", "device whose saved view applies")
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "limit to one session")
	cmd.Flags().StringVar(&f.query.Sort, "sort", "", "created, priority, due, type or status")
	cmd.Flags().StringVar(&f.query.Order, "order", "", "asc or desc")
	cmd.Flags().StringVar(&f.query.Status, "status", "", "status filter, or overdue")
	cmd.Flags().StringVar(&f.query.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.query.Priority, "priority", "", "high, medium or low")
	cmd.Flags().BoolVar(&f.save, "save", false, "save the resulting view for the device")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runActionsList(cmd *cobra.Command, f listFlags) error {
	_, gormDB, logger, err := connectFromConfig(f.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	prefs, err := pact.NewPreferenceStore(gormDB, logger)
	if err != nil {
		return err
	}
	q, _ := prefs.Load(ctx, f.user, f.device)
	for name, field := range map[string]struct{ dst, src *string }{
		"sort":     {&q.Sort, &f.query.Sort},
		"order":    {&q.Order, &f.query.Order},
		"status":   {&q.Status, &f.query.Status},
		"type":     {&q.Type, &f.query.Type},
		"priority": {&q.Priority, &f.query.Priority},
	} {
		if cmd.Flags().Changed(name) {
			*field.dst = *field.src
		}
	}
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return err
	}
	if f.save {
		if q, err = prefs.Save(ctx, f.user, f.device, q); err != nil {
			return err
		}
	}

	store, err := extract.NewStore(gormDB, logger)
	if err != nil {
		return err
	}
	var actions []models.Action
	if f.session != "" {
		actions, err = store.List(ctx, f.session)
	} else {
		actions, err = store.ListForUser(ctx, f.user)
	}
	if err != nil {
		return err
	}
	owned := actions[:0]
	for _, a := range actions {
		if a.UserID == f.user {
			owned = append(owned, a)
		}
	}
	view, err := pact.Apply(owned, q, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(view) == 0 {
		fmt.Fprintln(out, "No actions found.")
		return nil
	}
	printActions(out, view, terminalWidth(out))
	fmt.Fprintf(out, "\n%d actions, sorted by %s %s\n", len(view), q.Sort, q.Order)
	return nil
}

type transitionFlags struct {
	configPath string
	text       string
	reason     string
	notes      string
	due        string
	start      string
}

func newActionsTransitionCmd() *cobra.Command {
	var f transitionFlags

	cmd := &cobra.Command{
		Use:   "transition <action-id> <status>",
		Short: "Move an action through its confirmation lifecycle",
		Long: "Valid moves: pending to confirmed, modified (--text), rejected (--reason) or scheduled; " +
			"confirmed or modified to scheduled or completed; scheduled to completed.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionsTransition(cmd, f, args[0], args[1])
		},
	}

	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().StringVar(&f.text, "text", "", "replacement text for modified")
	cmd.Flags().StringVar(&f.reason, "reason", "", "reason for rejected")
	cmd.Flags().StringVar(&f.notes, "notes", "", "notes to attach")
	cmd.Flags().StringVar(&f.due, "due", "", "due date (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.start, "start", "", "start date (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func runActionsTransition(cmd *cobra.Command, f transitionFlags, id, to string) error {
	due, err := parseWhen(f.due)
	if err != nil {
		return err
	}
	start, err := parseWhen(f.start)
	if err != nil {
		return err
	}

	cfg, gormDB, logger, err := connectFromConfig(f.configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	opts := confirm.ServiceOpts{DB: gormDB, Logger: logger}
	if cfg.Notify.Platform != "" {
		d, err := newDispatcher(ctx, cfg.Notify, logger)
		if err != nil {
			return err
		}
		defer d.Close()
		opts.Notifier = d
	}
	if cfg.Calendar.BaseURL != "" {
		r, err := newReconciler(ctx, &core{cfg: cfg, db: gormDB, logger: logger})
		if err != nil {
			return err
		}
		opts.Scheduler = r
	}
	svc, err := confirm.NewService(opts)
	if err != nil {
		return err
	}
	defer svc.Wait()

	a, err := svc.Transition(ctx, confirm.Request{
		ActionID:     id,
		To:           strings.ToLower(to),
		ModifiedText: f.text,
		Reason:       f.reason,
		Notes:        f.notes,
		DueDate:      due,
		StartDate:    start,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Action %s is now %s\n", a.ID, a.Status)
	return nil
}

func newActionsScoreCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "score <action-id>",
		Short: "Score an action against the SMART criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionsScore(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runActionsScore(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, logger, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	svc, err := confirm.NewService(confirm.ServiceOpts{DB: gormDB, Logger: logger})
	if err != nil {
		return err
	}
	a, err := svc.Get(context.Background(), id)
	if err != nil {
		return err
	}

	r := smart.Score(smart.FromAction(a))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "SMART score: %d/100\n", r.Score)
	for _, c := range []struct {
		name string
		ok   bool
	}{
		{"specific", r.Specific},
		{"measurable", r.Measurable},
		{"achievable", r.Achievable},
		{"relevant", r.Relevant},
		{"time-bound", r.TimeBound},
	} {
		mark := " "
		if c.ok {
			mark = "x"
		}
		fmt.Fprintf(out, "  [%s] %s\n", mark, c.name)
	}
	for _, s := range r.Suggestions {
		fmt.Fprintf(out, "  - %s\n", s)
	}
	return nil
}
