package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/palmmind-office/Social-Media-Bot/internal/channels"
	"github.com/palmmind-office/Social-Media-Bot/internal/cron"
	"github.com/palmmind-office/Social-Media-Bot/internal/dashboard"
	"github.com/palmmind-office/Social-Media-Bot/internal/server"
	"github.com/palmmind-office/Social-Media-Bot/internal/socket"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	deps := channels.Deps{
		Socket: socket.Config{
			URL:         cfg.Socket.URL,
			Token:       cfg.Socket.Token,
			JoinTimeout: time.Duration(cfg.Socket.JoinTimeoutSeconds) * time.Second,
		},
		Dashboard: dashboard.NewClient(cfg.Dashboard.BaseURL, cfg.Dashboard.AdminToken),
		PublicURL: cfg.PublicURL,
	}

	manager := channels.NewManager(deps)
	for _, name := range cfg.Channels.Enabled {
		section, err := cfg.ChannelSection(name)
		if err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
		if err := manager.AddChannel(name, section); err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
		slog.Info("channel enabled", "channel", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer manager.StopAll()

	refresher := cron.NewService(cfg.Cron.WebhookRefresh)
	if err := refresher.Schedule(manager.Registrars()); err != nil {
		return err
	}
	refresher.Start()
	defer refresher.Stop()

	srv := server.New(cfg, manager)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	slog.Info("socialbot started",
		"port", cfg.Server.Port,
		"channels", cfg.Channels.Enabled,
		"backend", cfg.Socket.URL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}
