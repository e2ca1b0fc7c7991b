// Package config loads runtime configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"nextcloud-notifier/pkg/notifier"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sink kinds.
const (
	SinkDiscord = "discord"
	SinkGmail   = "gmail"
	SinkLog     = "log"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Nextcloud NextcloudConfig
	Sink      SinkConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Poll      PollConfig
}

// NextcloudConfig holds the credentials used against the OCS API.
type NextcloudConfig struct {
	URL         string
	Username    string
	Password    string
	HTTPTimeout time.Duration
}

// PollConfig controls the scheduler.
type PollConfig struct {
	Blacklist    []notifier.Action
	Interval     time.Duration
	FetchLimit   int
	PrimingLimit int // Zero means FetchLimit + 2
	RunOnce      bool
}

// SinkConfig selects and configures the notification sink.
type SinkConfig struct {
	Kind              string
	DiscordWebhook    string
	GoogleCredentials string
	MailTo            string
	DiscordRate       float64 // Webhook messages per second
}

// ServerConfig holds HTTP server runtime parameters. An empty Port disables
// the server.
type ServerConfig struct {
	Port string
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

const (
	defaultInterval    = 10 * time.Second
	defaultFetchLimit  = 3
	defaultHTTPTimeout = 30 * time.Second
	defaultDiscordRate = 1.0

	defaultLogFormat = "json"
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided. Invalid values are errors.
func Load() (Config, error) {
	cfg := Config{
		Nextcloud: NextcloudConfig{
			URL:         strings.TrimSuffix(os.Getenv("NEXTCLOUD_URL"), "/"),
			Username:    os.Getenv("NEXTCLOUD_USERNAME"),
			Password:    os.Getenv("NEXTCLOUD_PASSWORD"),
			HTTPTimeout: defaultHTTPTimeout,
		},
		Poll: PollConfig{
			Interval:   defaultInterval,
			FetchLimit: defaultFetchLimit,
		},
		Sink: SinkConfig{
			Kind:              os.Getenv("SINK"),
			DiscordWebhook:    os.Getenv("DISCORD_WEBHOOK"),
			GoogleCredentials: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
			MailTo:            os.Getenv("MAIL_TO"),
			DiscordRate:       defaultDiscordRate,
		},
		Server: ServerConfig{
			Port: os.Getenv("PORT"),
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
	}

	if cfg.Nextcloud.URL == "" || cfg.Nextcloud.Username == "" || cfg.Nextcloud.Password == "" {
		return Config{}, errors.New("NEXTCLOUD_URL, NEXTCLOUD_USERNAME and NEXTCLOUD_PASSWORD are required")
	}

	if v := os.Getenv("HTTP_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid HTTP_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Nextcloud.HTTPTimeout = d
	}

	if v := os.Getenv("SLEEP_TIME"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SLEEP_TIME: %w", err)
		}
		cfg.Poll.Interval = d
	}

	if v := os.Getenv("FETCH_LIMIT"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FETCH_LIMIT: %w", err)
		}
		cfg.Poll.FetchLimit = n
	}

	if v := os.Getenv("PRIMING_LIMIT"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PRIMING_LIMIT: %w", err)
		}
		cfg.Poll.PrimingLimit = n
	}
	if cfg.Poll.PrimingLimit != 0 && cfg.Poll.PrimingLimit < cfg.Poll.FetchLimit {
		return Config{}, fmt.Errorf("invalid PRIMING_LIMIT: must be at least FETCH_LIMIT (%d)", cfg.Poll.FetchLimit)
	}

	if v := os.Getenv("RUN_ONCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RUN_ONCE: must be a boolean")
		}
		cfg.Poll.RunOnce = b
	}

	cfg.Poll.Blacklist = parseActions(os.Getenv("ACTION_BLACKLIST"))

	if v := os.Getenv("DISCORD_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return Config{}, fmt.Errorf("invalid DISCORD_RATE_PER_SEC: must be a non-negative number")
		}
		cfg.Sink.DiscordRate = f
	}

	if err := resolveSink(&cfg.Sink); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	return cfg, nil
}

// resolveSink picks the default sink and checks its required settings.
func resolveSink(s *SinkConfig) error {
	if s.Kind == "" {
		s.Kind = SinkLog
		if s.DiscordWebhook != "" {
			s.Kind = SinkDiscord
		}
	}

	switch s.Kind {
	case SinkDiscord:
		if s.DiscordWebhook == "" {
			return errors.New("DISCORD_WEBHOOK is required for the discord sink")
		}
	case SinkGmail:
		if s.MailTo == "" {
			return errors.New("MAIL_TO is required for the gmail sink")
		}
	case SinkLog:
	default:
		return fmt.Errorf("invalid SINK %q: must be discord, gmail or log", s.Kind)
	}
	return nil
}

func parseActions(raw string) []notifier.Action {
	var actions []notifier.Action
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			actions = append(actions, notifier.Action(part))
		}
	}
	return actions
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parsePositive(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
