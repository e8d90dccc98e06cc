// Package main runs repowatch, a service that watches GitHub repositories
// and posts new issues and pull requests to Discord channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"repowatch/config"
	"repowatch/pkg/watch"
	"repowatch/poll"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "repowatch",
		Short: "Announce new GitHub issues and pull requests in Discord",
		Long: `repowatch polls watched GitHub repositories and posts every newly opened
issue or pull request that matches a subscription's filters to its Discord
channel.

  repowatch serve   Run the poller and the HTTP command API
  repowatch poll    Run a single poll cycle and exit
  repowatch list    Print the stored subscriptions`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (JSON, YAML or TOML)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the poller and the HTTP command API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "poll",
			Short: "Run one poll cycle and exit",
			RunE:  runPoll,
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the stored subscriptions",
			RunE:  runList,
		},
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := poll.NewScheduler(a.monitor, cfg.CheckInterval, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	serveErr := a.server.ListenAndServe(ctx, cfg.Port)
	stop()

	// Let the in-flight repository fetch finish or time out.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout+10*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.Warn("Poll cycle did not finish before shutdown", "error", err)
	}
	return serveErr
}

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.monitor.CheckAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("poll: %w", err)
	}
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, verbose, os.Stderr)

	store, closeStore, err := newStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	doc := store.Load(cmd.Context())
	printSubscriptions(cmd.OutOrStdout(), doc)
	return nil
}

// setup loads and validates configuration and installs the default logger.
// A configuration error is the only fatal error class.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, verbose, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(level, format string, verbose bool, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func printSubscriptions(w io.Writer, doc watch.Document) {
	if len(doc.Subscriptions) == 0 {
		fmt.Fprintln(w, "Not watching any repositories.")
		return
	}

	subs := make([]*watch.Subscription, 0, len(doc.Subscriptions))
	for _, sub := range doc.Subscriptions {
		subs = append(subs, sub)
	}
	slices.SortFunc(subs, func(a, b *watch.Subscription) int {
		return strings.Compare(a.Repository, b.Repository)
	})

	for _, sub := range subs {
		labels := "all"
		if len(sub.Labels) > 0 {
			labels = strings.Join(sub.Labels, ", ")
		}
		since := "never checked"
		if sub.HasCheckpoint() {
			since = sub.WatchSince.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\tchannel=%s\ttype=%s\tlabels=%s\tsince=%s\n",
			sub.Repository, sub.ChannelID, sub.WatchType.Describe(), labels, since)
	}
	fmt.Fprintf(w, "%d repositories, %d notified items\n", len(doc.Subscriptions), len(doc.Notified))
}
