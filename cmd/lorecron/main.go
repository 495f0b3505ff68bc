// Command lorecron runs one-shot maintenance sweeps, intended for external
// schedulers (cron, Kubernetes CronJob). Each subcommand connects, runs one
// sweep, and exits. Exit codes: 0 success, 1 failure, 2 usage error.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loreline-ai/loreline/internal/alerts"
	"github.com/loreline-ai/loreline/internal/config"
	"github.com/loreline-ai/loreline/internal/feedback"
	"github.com/loreline-ai/loreline/internal/storage"
)

func main() {
	os.Exit(run())
}

func usage() int {
	fmt.Fprintln(os.Stderr, "usage: lorecron <alerts-evaluate|feedback-overdue-scan>")
	return 2
}

func run() int {
	if len(os.Args) != 2 {
		return usage()
	}
	cmd := os.Args[1]
	switch cmd {
	case "alerts-evaluate", "feedback-overdue-scan":
	default:
		return usage()
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "lorecron:", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.New(ctx, storage.PoolConfig{
		DSN:             cfg.DatabaseURL,
		MaxConns:        cfg.PoolMaxConns,
		MinConns:        cfg.PoolMinConns,
		MaxConnLifetime: cfg.PoolMaxConnLife,
	}, logger)
	if err != nil {
		logger.Error("storage connect failed", "error", err)
		return 1
	}
	defer db.Close()

	switch cmd {
	case "alerts-evaluate":
		eval := alerts.New(db, alerts.Config{
			RulesPath:  cfg.AlertRulesPath,
			WebhookURL: cfg.AlertWebhookURL,
		}, logger)
		res, err := eval.Evaluate(ctx)
		if err != nil {
			logger.Error("alert sweep failed", "error", err)
			return 1
		}
		logger.Info("alert sweep complete",
			"scopes", res.Scopes,
			"fired", res.Fired,
			"resolved", res.Resolved,
			"notified", res.Notified,
			"skipped", res.Skipped,
		)

	case "feedback-overdue-scan":
		svc := feedback.New(db, feedback.Config{
			RulesPath:    cfg.RoutingRulesPath,
			ReloadTTL:    cfg.RoutingReloadTTL,
			DefaultGroup: cfg.DefaultGroup,
			DefaultSLA:   time.Duration(cfg.DefaultSLAHours) * time.Hour,
		}, logger)
		flagged, err := svc.ScanOverdue(ctx)
		if err != nil {
			logger.Error("overdue scan failed", "error", err)
			return 1
		}
		logger.Info("overdue scan complete", "flagged", flagged)
	}

	return 0
}
