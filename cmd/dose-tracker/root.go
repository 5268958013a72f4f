package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"Mansoor88-6/dose-tracker/internal/config"
	"Mansoor88-6/dose-tracker/internal/database"
	"Mansoor88-6/dose-tracker/internal/device"
	"Mansoor88-6/dose-tracker/internal/logger"
	"Mansoor88-6/dose-tracker/internal/repository"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	cfgFile string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dose-tracker",
	Short: "Track recurring actions against rate-limit targets",
	Long: `dose-tracker records occurrences of recurring actions, such as taking a
medication, and checks them against targets like "at most 1 per 4 hours"
and "at most 4 per day".

It reports whether an item is within its limits, projects when the next
occurrences are allowed, tracks stock, and can sync items between devices.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		log, err = logger.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/local.yaml", "config file path")
}

// openDatabase creates the storage directory and opens the database
func openDatabase() (*database.DB, error) {
	if err := cfg.EnsureStorageDir(); err != nil {
		return nil, err
	}
	return database.New(cfg.StoragePath, log.Logger)
}

// loadIdentity returns this device's signing identity, creating it on
// first use.
func loadIdentity(ctx context.Context, devices *repository.DeviceRepository) (*device.Identity, error) {
	dm := device.NewDeviceManager()
	deviceID, err := dm.GetOrGenerateDeviceID(cfg.Device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device ID: %w", err)
	}
	name := cfg.Device.Name
	if name == "" {
		name = dm.DefaultDeviceName()
	}

	identity, err := device.LoadOrCreateIdentity(ctx, devices, deviceID, name, time.Now(), log.Logger)
	if err != nil {
		return nil, err
	}
	log.Debug("Device identity loaded",
		zap.String("device_id", identity.ID),
		zap.String("thumbprint", identity.Thumbprint),
	)
	return identity, nil
}
