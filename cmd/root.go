package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mbox-curate/config"
	"github.com/dhcgn/mbox-curate/progress"
	"github.com/dhcgn/mbox-curate/session"
	"github.com/dhcgn/mbox-curate/stats"
)

var errCancelled = errors.New("cancelled")

var rootCmd = &cobra.Command{
	Use:           "mbox-curate",
	Short:         "Browse, filter and prune large mbox archives",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.RegisterFlags(rootCmd)
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// app bundles what every subcommand needs after flag parsing.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	session *session.Session
	cleanup func() error
}

func newApp(cmd *cobra.Command, args []string) (*app, error) {
	cfg, err := config.LoadConfig(cmd, args)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		session: session.New(cfg.Tuning.SessionOptions(), logger),
		cleanup: cleanup,
	}, nil
}

func (a *app) Close() {
	if err := a.session.Close(); err != nil {
		a.logger.Warn("close session", "err", err)
	}
	_ = a.cleanup()
}

// load ingests the archive, applies the filter flags and returns the terminal
// ingestion event.
func (a *app) load(ctx context.Context) (stats.Event, error) {
	a.logger.Info("loading archive", "mbox", a.cfg.MboxPath,
		"rate", a.cfg.Sampling.Rate, "sampling", a.cfg.Sampling.Strategy)

	events, err := a.session.BeginIngestion(a.cfg.MboxPath, a.cfg.Sampling)
	if err != nil {
		return stats.Event{}, err
	}
	final, err := a.consume(ctx, events, a.session.CancelIngestion)
	if err != nil {
		return stats.Event{}, err
	}
	if a.cfg.LogLevel == "info" {
		progress.PrintSummary(final)
	}
	if err := terminalError(final); err != nil {
		return final, fmt.Errorf("load %s: %w", a.cfg.MboxPath, err)
	}

	_, elapsed, err := a.session.ApplyFilter(a.cfg.Filter)
	if err != nil {
		return final, err
	}
	st := a.session.Stats()
	a.logger.Info("filter applied", "filter", st.Filter, "matched", st.Filtered, "of", st.Loaded, "duration", elapsed)
	return final, nil
}

// consume renders events until the terminal one and calls cancel when ctx is
// done before that.
func (a *app) consume(ctx context.Context, events <-chan stats.Event, cancel func()) (stats.Event, error) {
	bar := progress.New(a.cfg.LogLevel, a.logger)
	done := make(chan struct{})

	var final stats.Event
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		var err error
		final, err = bar.Consume(context.WithoutCancel(ctx), events)
		return err
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			a.logger.Warn("interrupted, cancelling")
			cancel()
		case <-done:
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return stats.Event{}, err
	}
	return final, nil
}

func terminalError(evt stats.Event) error {
	switch evt.Kind {
	case stats.KindCancelled:
		return errCancelled
	case stats.KindFailed:
		return evt.Err
	}
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mbox-curate-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
