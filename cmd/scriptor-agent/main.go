package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scriptorlab/scriptor/internal/client/merge"
	"github.com/scriptorlab/scriptor/internal/client/store"
	"github.com/scriptorlab/scriptor/internal/client/syncer"
	"github.com/scriptorlab/scriptor/internal/client/trash"
	"github.com/scriptorlab/scriptor/internal/config"
	"github.com/scriptorlab/scriptor/internal/logging"
	syncwire "github.com/scriptorlab/scriptor/internal/sync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "scriptor-agent",
		Short: "Scriptor device agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("hub-url", defaults.GetString("hub.url"), "Hub base URL")
	cmd.PersistentFlags().String("token", "", "Bearer token for the hub (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("agent.database_path"), "SQLite database path")
	cmd.PersistentFlags().Int("sync-every-seconds", defaults.GetInt("sync.every_s"), "Periodic sync interval in seconds")
	cmd.PersistentFlags().Int("min-sync-interval-seconds", defaults.GetInt("sync.min_interval_s"), "Minimum gap between sync cycles in seconds")
	cmd.PersistentFlags().Int("trash-retention-days", defaults.GetInt("trash.retention_days"), "Days a tombstone survives before hard deletion")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Log file path (empty logs to stderr)")

	bindFlag(cmd, "hub.url", "hub-url")
	bindFlag(cmd, "agent.token", "token")
	bindFlag(cmd, "agent.database_path", "database-path")
	bindFlag(cmd, "sync.every_s", "sync-every-seconds")
	bindFlag(cmd, "sync.min_interval_s", "min-sync-interval-seconds")
	bindFlag(cmd, "trash.retention_days", "trash-retention-days")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newLogger(appConfig config.AgentConfig) (*zap.Logger, error) {
	if appConfig.LogFile != "" {
		return logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile), nil
	}
	return logging.NewLogger(appConfig.LogLevel)
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	entityStore, err := store.Open(store.Config{
		Path:     appConfig.DatabasePath,
		DeviceID: appConfig.DeviceID,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer entityStore.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceID, err := entityStore.EnsureDeviceID(signalCtx)
	if err != nil {
		return err
	}
	logger.Info("agent starting",
		zap.String("device_id", deviceID),
		zap.String("hub_url", appConfig.HubURL))

	applier, err := merge.NewApplier(entityStore, logger)
	if err != nil {
		return err
	}

	manager, err := syncer.NewManager(syncer.ManagerConfig{
		Store:       entityStore,
		Applier:     applier,
		Transport:   syncer.NewHTTPTransport(appConfig.HubURL, appConfig.Token, nil),
		MinInterval: appConfig.MinSyncInterval,
		Logger:      logger,
		ConflictHandler: func(conflicts []syncwire.ConflictDTO) {
			for _, conflict := range conflicts {
				logger.Warn("conflict requires manual resolution",
					zap.String("entity_type", string(conflict.EntityType)),
					zap.String("id", conflict.ID),
					zap.Int64("server_version", conflict.ServerVersion))
			}
		},
	})
	if err != nil {
		return err
	}

	policy, err := trash.NewPolicy(trash.PolicyConfig{
		Store:           entityStore,
		RetentionWindow: appConfig.RetentionWindow,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	runCycle := func() {
		if _, err := manager.SyncIfNeeded(signalCtx); err != nil {
			switch {
			case errors.Is(err, syncer.ErrSyncThrottled), errors.Is(err, syncer.ErrSyncInFlight):
			case errors.Is(err, context.Canceled):
			default:
				logger.Warn("sync cycle failed", zap.Error(err))
			}
		}
	}

	runSweep := func() {
		if _, err := policy.Sweep(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("trash sweep failed", zap.Error(err))
		}
	}

	runSweep()
	runCycle()

	syncTicker := time.NewTicker(appConfig.SyncEvery)
	defer syncTicker.Stop()
	sweepTicker := time.NewTicker(appConfig.SweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-signalCtx.Done():
			logger.Info("agent stopping")
			return nil
		case <-syncTicker.C:
			runCycle()
		case <-sweepTicker.C:
			runSweep()
		}
	}
}
