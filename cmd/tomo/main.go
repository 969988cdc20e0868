package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Tomo/common/environment"
	"github.com/bdobrica/Tomo/common/version"
	"github.com/bdobrica/Tomo/internal/tomo/app"
	"github.com/bdobrica/Tomo/internal/tomo/providers"
)

func main() {
	fmt.Printf("Tomo Personal Assistant %s\n\n", version.Info())

	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tomo, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Tomo: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := tomo.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Tomo: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if environment.BoolOr("TOMO_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig assembles the application configuration from the environment.
func loadConfig() (app.Config, error) {
	var cfg app.Config

	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return cfg, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return cfg, err
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return cfg, err
	}
	rooms := environment.StringSliceOr("MATRIX_ALLOWED_ROOMS", nil)
	if len(rooms) == 0 {
		return cfg, fmt.Errorf("required environment variable %q is not set", "MATRIX_ALLOWED_ROOMS")
	}

	bankURL, err := environment.RequiredString("BANK_API_URL")
	if err != nil {
		return cfg, err
	}
	mailURL, err := environment.RequiredString("MAIL_API_URL")
	if err != nil {
		return cfg, err
	}
	docsURL, err := environment.RequiredString("DOCUMENTS_API_URL")
	if err != nil {
		return cfg, err
	}
	recordsURL, err := environment.RequiredString("RECORDS_API_URL")
	if err != nil {
		return cfg, err
	}

	return app.Config{
		DBPath: environment.StringOr("DATABASE_PATH", "./tomo.db"),

		MatrixHomeserver:  homeserver,
		MatrixUserID:      userID,
		MatrixAccessToken: accessToken,
		AllowedRooms:      rooms,

		PlannerAPIKey:    environment.StringOr("PLANNER_API_KEY", ""),
		PlannerBaseURL:   environment.StringOr("PLANNER_BASE_URL", ""),
		PlannerModel:     environment.StringOr("PLANNER_MODEL", ""),
		PlannerRateLimit: environment.IntOr("PLANNER_RATE_LIMIT", 0),
		TokenBudget:      environment.IntOr("PLANNER_TOKEN_BUDGET", 0),

		Bank: providers.BankConfig{
			BaseURL: bankURL,
			APIKey:  environment.StringOr("BANK_API_KEY", ""),
		},
		Mail: providers.MailConfig{
			BaseURL: mailURL,
			APIKey:  environment.StringOr("MAIL_API_KEY", ""),
			From:    environment.StringOr("MAIL_FROM", "tomo@localhost"),
		},
		Documents: providers.DocumentsConfig{
			BaseURL: docsURL,
			APIKey:  environment.StringOr("DOCUMENTS_API_KEY", ""),
		},
		Records: providers.RecordsConfig{
			BaseURL: recordsURL,
			APIKey:  environment.StringOr("RECORDS_API_KEY", ""),
		},

		VocabularyPath: environment.StringOr("TOMO_VOCABULARY_PATH", ""),
		IntentTTL:      environment.DurationOr("TOMO_INTENT_TTL", 0),
		SweepInterval:  environment.DurationOr("TOMO_SWEEP_INTERVAL", time.Minute),
	}, nil
}
