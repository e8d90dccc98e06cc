package main

import (
	"context"
	"fmt"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"repowatch/commands"
	"repowatch/config"
	"repowatch/discord"
	"repowatch/github"
	"repowatch/poll"
	"repowatch/server"
	"repowatch/state"
	"repowatch/storage"
)

// app holds the wired service components.
type app struct {
	monitor    *poll.Monitor
	server     *server.Server
	closeStore func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	st := state.New(store.Load(ctx))
	logger.Info("State loaded", "location", store.Location(), "subscriptions", st.Len(), "notified", st.SeenCount())

	gh, err := github.New(github.Config{
		Logger:   logger,
		Token:    cfg.GitHubToken,
		BaseURL:  cfg.GitHubBaseURL,
		Timeout:  cfg.FetchTimeout,
		MaxPages: cfg.MaxPages,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	var provider discord.Provider
	if cfg.MockNotify {
		logger.Info("Mock notify mode enabled, messages are logged instead of sent")
		provider = discord.NewMockProvider(logger)
	} else {
		provider = discord.NewDiscordProvider(cfg.DiscordToken, cfg.DiscordAPIBase, logger)
	}
	sender := discord.New(provider, logger)

	monitor := poll.New(poll.Config{
		Source:       gh,
		Notifier:     sender,
		Store:        store,
		State:        st,
		Logger:       logger,
		IsNotFound:   github.IsNotFound,
		Pacing:       cfg.RepoPacing,
		FetchTimeout: cfg.FetchTimeout,
	})

	cmds := commands.New(commands.Config{
		State:  st,
		Store:  store,
		Remote: gh,
		Logger: logger,
	})

	srv := server.New(&server.Config{
		Commands:     cmds,
		Poller:       monitor,
		Logger:       logger,
		IsValidation: commands.IsValidation,
		APIToken:     cfg.APIToken,
		RateLimit:    cfg.RateLimit,
		RateWindow:   cfg.RateWindow,
	})
	if cfg.APIToken == "" {
		logger.Warn("No API token configured; the HTTP command API is unauthenticated")
	}

	return &app{monitor: monitor, server: srv, closeStore: closeStore}, nil
}

// Close releases the storage client.
func (a *app) Close() {
	a.closeStore()
}

// newStore opens the state document, in Cloud Storage when a bucket is
// configured and on local disk otherwise.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.StorageBucket == "" {
		logger.Info("No storage bucket set, using local file", "path", cfg.DataFilePath)
		return storage.New(nil, "", cfg.DataFilePath, logger), func() {}, nil
	}

	var opts []option.ClientOption
	if cfg.GoogleCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.StorageBucket, cfg.DataFilePath, logger), closeFn, nil
}
