// Package main runs the Nextcloud activity notifier.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"nextcloud-notifier/config"
	"nextcloud-notifier/metrics"
	"nextcloud-notifier/nextcloud"
	"nextcloud-notifier/notify"
	"nextcloud-notifier/poll"
	"nextcloud-notifier/resolver"
	"nextcloud-notifier/server"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.Nextcloud.HTTPTimeout}
	client := nextcloud.New(httpClient, cfg.Nextcloud.URL, cfg.Nextcloud.Username, cfg.Nextcloud.Password, logger)

	registry := resolver.NewRegistry(logger)
	registry.Register(resolver.Defaults()...)
	enricher := resolver.NewEnricher(client, registry, logger)

	sink, err := newSink(ctx, cfg.Sink, httpClient, logger)
	if err != nil {
		logger.Error("Failed to initialize notification sink", "sink", cfg.Sink.Kind, "error", err)
		os.Exit(1)
	}

	collector, err := metrics.New()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	monitor := poll.New(client, client, enricher, sink, logger, poll.Options{
		Recorder:     collector,
		Blacklist:    cfg.Poll.Blacklist,
		Interval:     cfg.Poll.Interval,
		FetchLimit:   cfg.Poll.FetchLimit,
		PrimingLimit: cfg.Poll.PrimingLimit,
		RunOnce:      cfg.Poll.RunOnce,
	})

	logger.Info("Nextcloud notifier starting",
		"nextcloud_url", cfg.Nextcloud.URL,
		"username", cfg.Nextcloud.Username,
		"sink", cfg.Sink.Kind,
		"resolvers", registry.Len())

	if cfg.Server.Port != "" && !cfg.Poll.RunOnce {
		srv := server.New(&server.Config{
			Poller:  monitor,
			Metrics: collector,
			Logger:  logger,
		})
		go func() {
			if err := srv.Serve(ctx, cfg.Server.Port); err != nil {
				logger.Error("Server failed", "error", err)
				stop()
			}
		}()
	}

	if err := monitor.Run(ctx); err != nil {
		logger.Error("Poll loop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Nextcloud notifier stopped")
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newSink(ctx context.Context, cfg config.SinkConfig, client *http.Client, logger *slog.Logger) (poll.Sink, error) {
	switch cfg.Kind {
	case config.SinkDiscord:
		return notify.NewDiscord(client, cfg.DiscordWebhook, cfg.DiscordRate, logger), nil
	case config.SinkGmail:
		provider, err := newGmailProvider(ctx, cfg.GoogleCredentials, logger)
		if err != nil {
			return nil, err
		}
		return notify.NewMail(provider, cfg.MailTo, logger), nil
	case config.SinkLog:
		logger.Info("Mock notification mode enabled, events are only logged")
		return notify.NewLog(logger), nil
	}
	return nil, fmt.Errorf("unknown sink %q", cfg.Kind)
}

func newGmailProvider(ctx context.Context, credentials string, logger *slog.Logger) (*notify.GmailProvider, error) {
	if credentials != "" {
		return notify.NewGmailProviderFromJSON(ctx, []byte(credentials), logger)
	}

	// On GCP the service account's Application Default Credentials need the
	// gmail.send scope.
	if isCloudRun(ctx) {
		service, err := gmail.NewService(ctx, option.WithScopes(gmail.GmailSendScope))
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return notify.NewGmailProvider(service, logger), nil
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
