package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/memorybridge/internal/api"
	"github.com/zulandar/memorybridge/internal/calendar"
	"github.com/zulandar/memorybridge/internal/config"
	"github.com/zulandar/memorybridge/internal/confirm"
	"github.com/zulandar/memorybridge/internal/notify"
	"github.com/zulandar/memorybridge/internal/notify/discord"
	"github.com/zulandar/memorybridge/internal/notify/slack"
	"github.com/zulandar/memorybridge/internal/pact"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, retention sweep and watcher notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, listen)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on (overrides api.listen)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, listen string) error {
	cfg, gormDB, logger, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if listen != "" {
		cfg.API.Listen = listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	c, err := newCore(cfg, gormDB, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	var notifier confirm.Notifier
	if cfg.Notify.Platform != "" {
		d, err := newDispatcher(ctx, cfg.Notify, logger)
		if err != nil {
			return err
		}
		defer d.Close()
		notifier = d
	}

	var (
		reconciler *calendar.Reconciler
		scheduler  confirm.Scheduler
	)
	if cfg.Calendar.BaseURL != "" {
		if reconciler, err = newReconciler(ctx, c); err != nil {
			return err
		}
		scheduler = reconciler
	}

	conf, err := confirm.NewService(confirm.ServiceOpts{
		DB:        gormDB,
		Notifier:  notifier,
		Scheduler: scheduler,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer conf.Wait()

	prefs, err := pact.NewPreferenceStore(gormDB, logger)
	if err != nil {
		return err
	}

	sweeper, err := c.newSweeper()
	if err != nil {
		return err
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv, err := api.NewServer(api.ServerOpts{
		DB:          gormDB,
		Actions:     c.store,
		Confirm:     conf,
		Preferences: prefs,
		Limiter:     c.limiter,
		Retention:   sweeper,
		Calendar:    reconciler,
		Transport:   c.transport,
		Logger:      logger,
		Listen:      cfg.API.Listen,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Memory Bridge API on %s (next sweep %s)\n",
		cfg.API.Listen, sweeper.Next(time.Now()).Format(time.RFC3339))
	return srv.Run(ctx)
}

// newDispatcher connects the configured notification platform.
func newDispatcher(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (*notify.Dispatcher, error) {
	var adapter notify.Adapter
	switch cfg.Platform {
	case "slack":
		a, err := slack.New(slack.AdapterOpts{BotToken: cfg.SlackBotToken})
		if err != nil {
			return nil, err
		}
		adapter = a
	case "discord":
		a, err := discord.New(discord.AdapterOpts{BotToken: cfg.DiscordBotToken, Logger: logger})
		if err != nil {
			return nil, err
		}
		adapter = a
	default:
		return nil, fmt.Errorf("unsupported notify platform %q", cfg.Platform)
	}

	d, err := notify.NewDispatcher(logger, adapter)
	if err != nil {
		return nil, err
	}
	if err := d.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Platform, err)
	}
	return d, nil
}

// newReconciler builds the calendar store with an OAuth client refreshing
// from the configured refresh token.
func newReconciler(ctx context.Context, c *core) (*calendar.Reconciler, error) {
	cc := c.cfg.Calendar
	store, err := calendar.NewHTTPStore(ctx, cc.BaseURL, cc.CalendarID, calendar.NewOAuthClient(ctx, cc))
	if err != nil {
		return nil, err
	}
	return calendar.NewReconciler(calendar.ReconcilerOpts{
		DB:              c.db,
		Store:           store,
		CalendarID:      cc.CalendarID,
		DefaultDuration: cc.DefaultDuration,
		Logger:          c.logger,
	})
}
