// Package main is the backup server entrypoint.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/config"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/server"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/storage"
)

var (
	flagDataDir  string
	flagListen   string
	flagAnnounce bool
	flagVerbose  bool

	rootCmd = &cobra.Command{
		Use:           "backupd",
		Short:         "Runs the encrypted backup server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}
)

func init() {
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: per-user app directory)")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "listen address override")
	rootCmd.Flags().BoolVar(&flagAnnounce, "announce", false, "announce the server over mDNS")
	rootCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
}

func runServer(cmd *cobra.Command, _ []string) error {
	log := logrus.New()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	dataDir := flagDataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		dataDir = resolved
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return err
	}

	cfg, err := config.LoadServerConfig(dataDir)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagAnnounce {
		cfg.Announce = true
	}

	policy, err := server.PolicyFromConfig(cfg.VersionPolicy)
	if err != nil {
		return err
	}

	store, err := storage.Open(dataDir, storage.Options{
		PoolSize:       cfg.PoolSize,
		PoolMaxAge:     time.Duration(cfg.PoolMaxAgeSec) * time.Second,
		EmergencyLimit: cfg.EmergencyConns,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("store close failed")
		}
	}()

	srv, err := server.New(store, server.Options{
		ListenAddr:          cfg.ListenAddr,
		StorageDir:          cfg.StorageDir,
		MaxClients:          cfg.MaxClients,
		ReadTimeout:         time.Duration(cfg.ReadWriteTimeoutSec) * time.Second,
		WriteTimeout:        time.Duration(cfg.ReadWriteTimeoutSec) * time.Second,
		SessionTimeout:      cfg.SessionTimeout(),
		PartialTimeout:      cfg.PartialTimeout(),
		MaintenanceInterval: cfg.MaintenanceInterval(),
		MetricsRetention:    time.Duration(cfg.MetricsRetentionHours) * time.Hour,
		Policy:              policy,
		Logger:              log,
		Announce:            cfg.Announce,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.WithField("signal", sig.String()).Info("shutting down")

	return srv.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
