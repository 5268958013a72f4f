package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"Mansoor88-6/dose-tracker/internal/auth"
	"Mansoor88-6/dose-tracker/internal/client"
	"Mansoor88-6/dose-tracker/internal/collector"
	"Mansoor88-6/dose-tracker/internal/config"
	"Mansoor88-6/dose-tracker/internal/device"
	"Mansoor88-6/dose-tracker/internal/handler"
	"Mansoor88-6/dose-tracker/internal/metrics"
	"Mansoor88-6/dose-tracker/internal/queue"
	"Mansoor88-6/dose-tracker/internal/repository"
	"Mansoor88-6/dose-tracker/internal/router"
	"Mansoor88-6/dose-tracker/internal/server"
	"Mansoor88-6/dose-tracker/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the item API, sync server and background workers",
	Long: `Run the item API and the sync ingest server, push local changes to the
configured sync backend, and deliver reminders, until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting dose-tracker",
		zap.String("env", cfg.Env),
		zap.String("config_path", cfgFile),
	)

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	m := metrics.New()
	devices := repository.NewDeviceRepository(db.DB)
	identity, err := loadIdentity(ctx, devices)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(cfg.Auth.ClockSkew, cfg.Auth.MaxTokenLifetime)

	// Reminders
	var reminders *service.ReminderStore
	var scheduler service.ReminderScheduler
	if cfg.Reminder.Enabled {
		reminders = service.NewReminderStore(cfg.Reminder.Lead, cfg.Reminder.CheckInterval, service.NewLogNotifier(log.Logger), m, log.Logger)
		scheduler = reminders
	}

	items := service.NewTrackedItemService(db.DB, nil, scheduler, m, log.Logger)

	if reminders != nil {
		existing, err := items.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load items for reminders: %w", err)
		}
		now := time.Now()
		for _, item := range existing {
			reminders.Schedule(item, now)
		}
		reminders.Start(ctx)
	}

	// Sync
	var syncService *service.SyncService
	if cfg.Sync.Enabled {
		tokens := device.NewTokenSource(identity, cfg.Auth.TokenLifetime)
		syncClient := client.NewSyncClient(cfg.Backend, tokens, log.Logger)
		if subject, err := syncClient.Validate(ctx); err != nil {
			log.Warn("Sync backend did not accept device token, events will be queued", zap.Error(err))
		} else {
			log.Info("Sync backend reachable", zap.String("subject", subject))
		}

		syncService = service.NewSyncService(
			collector.NewEventCollector(cfg.Sync.BatchSize, cfg.Sync.FlushInterval, log.Logger),
			syncClient,
			queue.NewEventQueue(db.DB, log.Logger),
			items,
			devices,
			identity.ID,
			cfg.Sync,
			m,
			log.Logger,
		)
		if err := syncService.Start(); err != nil {
			return fmt.Errorf("failed to start sync service: %w", err)
		}
		items.SetPublisher(syncService)
	} else {
		log.Info("Sync disabled in configuration")
	}

	// HTTP servers
	apiServer := newHTTPServer(cfg.Server.Port, router.New(handler.NewTrackedItemHandler(items, log.Logger), verifier, m, log.Logger))
	servers := []*http.Server{apiServer}
	if cfg.Server.SyncPort > 0 {
		ingest := server.NewSyncServer(repository.NewSyncEventRepository(db.DB), verifier, m, log.Logger)
		servers = append(servers, newHTTPServer(cfg.Server.SyncPort, router.Logging(ingest, m, log.Logger)))
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			log.Info("HTTP server listening", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}

	if cfgFile != "" {
		go func() {
			err := config.Watch(ctx, cfgFile, log.Logger, func(c *config.Config) {
				if err := log.SetLevel(c.Log.Level); err != nil {
					log.Warn("Ignoring log level change", zap.Error(err))
				}
			})
			if err != nil {
				log.Warn("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	log.Info("dose-tracker started", zap.String("device_id", identity.ID))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case runErr = <-errCh:
		log.Error("HTTP server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown error", zap.String("address", srv.Addr), zap.Error(err))
		}
	}

	if syncService != nil {
		syncService.Stop()
	}
	if reminders != nil {
		reminders.Stop()
	}

	log.Info("dose-tracker stopped")
	return runErr
}

func newHTTPServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port)),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}
