package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zulandar/memorybridge/internal/bridge"
	"github.com/zulandar/memorybridge/internal/capture"
	"github.com/zulandar/memorybridge/internal/extract"
	"github.com/zulandar/memorybridge/internal/models"
)

type recordFlags struct {
	configPath   string
	user         string
	tier         string
	device       string
	meetingType  string
	energy       int
	emotional    string
	participants []string
	watchers     []string
}

func newRecordCmd() *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a conversation and extract its actions",
		Long: "Streams raw 16-bit mono PCM from a device node, FIFO or stdin (--device -) to the " +
			"transcription provider until interrupted, the tier's duration ceiling is reached " +
			"or the provider gives up. Actions are extracted while recording and once more at the end.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, f)
		},
	}

	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "user ID (required)")
	cmd.Flags().StringVar(&f.tier, "tier", "free", "subscription tier")
	cmd.Flags().StringVarP(&f.device, "device", "d", "-", "audio source path, or - for stdin")
	cmd.Flags().StringVar(&f.meetingType, "meeting-type", "", "formal, informal, family or medical")
	cmd.Flags().IntVar(&f.energy, "energy", 0, "self-reported energy level 1-10")
	cmd.Flags().StringVar(&f.emotional, "emotional-context", "", "free-text emotional context")
	cmd.Flags().StringArrayVarP(&f.participants, "participant", "p", nil, "participant as name[=relationship]; repeatable")
	cmd.Flags().StringArrayVarP(&f.watchers, "watcher", "w", nil, "watcher as platform:channel; repeatable")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runRecord(cmd *cobra.Command, f recordFlags) error {
	out := cmd.OutOrStdout()
	opts, err := f.startOpts()
	if err != nil {
		return err
	}

	cfg, gormDB, logger, err := connectFromConfig(f.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Extraction.URL == "" {
		return fmt.Errorf("extraction.url is required to record")
	}
	if cfg.Capture.TokenURL == "" || cfg.Capture.StreamURL == "" {
		return fmt.Errorf("capture.token_url and capture.stream_url are required to record")
	}

	c, err := newCore(cfg, gormDB, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	svc, err := extract.NewHTTPService(extract.HTTPServiceOpts{
		URL:       cfg.Extraction.URL,
		APIKey:    cfg.Extraction.APIKey,
		RateLimit: cfg.Extraction.RateLimit,
		Burst:     cfg.Extraction.Burst,
		Timeout:   cfg.Extraction.Timeout,
	})
	if err != nil {
		return err
	}
	ex, err := extract.NewExtractor(extract.ExtractorOpts{
		Service:     svc,
		Store:       c.store,
		Transport:   c.transport,
		Logger:      logger,
		WindowChars: cfg.Extraction.WindowChars,
	})
	if err != nil {
		return err
	}

	rec, err := bridge.NewRecorder(bridge.RecorderOpts{
		DB:        gormDB,
		Limiter:   c.limiter,
		Extractor: ex,
		NewCapture: func() (bridge.Capture, error) {
			s, err := capture.NewSession(capture.Options{
				Issuer: &capture.HTTPTokenIssuer{
					URL:     cfg.Capture.TokenURL,
					APIKey:  cfg.Capture.APIKey,
					TTL:     cfg.Capture.TokenTTL,
					Limiter: rate.NewLimiter(rate.Limit(cfg.Capture.TokenRateLimit), cfg.Capture.TokenBurst),
				},
				Dialer: &capture.WebsocketDialer{
					URL:        cfg.Capture.StreamURL,
					SampleRate: cfg.Capture.SampleRate,
					Dialer:     websocket.DefaultDialer,
				},
				Microphone:    newMicrophone(f.device, cmd.InOrStdin()),
				SampleRate:    cfg.Capture.SampleRate,
				ChunkInterval: cfg.Capture.ChunkInterval,
				RefreshMargin: cfg.Capture.RefreshMargin,
				AckTimeout:    cfg.Capture.AckTimeout,
				MaxReconnects: cfg.Capture.MaxReconnects,
				Logger:        logger,
			})
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		BatchSize:         cfg.Extraction.BatchSize,
		Quiet:             cfg.Extraction.Quiet,
		MaxWait:           cfg.Extraction.MaxWait,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		StaleAfter:        cfg.Session.StaleAfter,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recording, err := rec.Start(ctx, opts)
	if bridge.IsDenied(err) {
		return fmt.Errorf("cannot start recording: %w", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Recording session %s (%s). Press Ctrl-C to stop.\n",
		recording.ID(), formatRemaining(recording.Remaining()))

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nStopping...")
	case <-recording.Done():
	}

	stopCtx, cancel := withTimeout(ctx, bridge.DefaultStopTimeout)
	defer cancel()
	sess, err := recording.Stop(stopCtx)
	if err != nil {
		return err
	}
	logger.Info("recording finished", zap.String("session_id", sess.ID), zap.String("status", sess.Status))

	actions, err := c.store.List(stopCtx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s %s after %ds with %d actions.\n", sess.ID, sess.Status, sess.DurationSeconds, len(actions))
	if len(actions) > 0 {
		printActions(out, actions, terminalWidth(out))
	}
	return nil
}

func (f recordFlags) startOpts() (bridge.StartOpts, error) {
	opts := bridge.StartOpts{
		UserID:           f.user,
		Tier:             f.tier,
		MeetingType:      f.meetingType,
		EmotionalContext: f.emotional,
	}
	if f.energy != 0 {
		if f.energy < 1 || f.energy > 10 {
			return opts, fmt.Errorf("--energy must be between 1 and 10")
		}
		e := f.energy
		opts.EnergyLevel = &e
	}
	for _, p := range f.participants {
		name, rel, _ := strings.Cut(p, "=")
		if strings.TrimSpace(name) == "" {
			return opts, fmt.Errorf("invalid participant %q", p)
		}
		opts.Participants = append(opts.Participants, models.Participant{
			Name:         strings.TrimSpace(name),
			Relationship: strings.TrimSpace(rel),
		})
	}
	for _, w := range f.watchers {
		platform, channel, ok := strings.Cut(w, ":")
		if !ok || platform == "" || channel == "" {
			return opts, fmt.Errorf("invalid watcher %q (want platform:channel)", w)
		}
		opts.Watchers = append(opts.Watchers, models.SessionWatcher{
			WatcherID: w,
			Platform:  platform,
			ChannelID: channel,
		})
	}
	return opts, nil
}

func newMicrophone(device string, stdin io.Reader) capture.Microphone {
	if device == "-" {
		return &capture.ReaderMicrophone{R: stdin}
	}
	return &capture.DeviceMicrophone{Path: device}
}
