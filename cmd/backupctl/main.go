// Package main is the backup client command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/client"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/config"
)

var (
	flagDataDir string
	flagServer  string
	flagName    string
	flagVerbose bool

	rootCmd = &cobra.Command{
		Use:           "backupctl",
		Short:         "Client tool for the encrypted backup server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	sendCmd = &cobra.Command{
		Use:   "send <file>",
		Short: "Encrypts and uploads a file to the backup server.",
		Args:  cobra.ExactArgs(1),
		RunE:  runSend,
	}

	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Finds an announced backup server on the local network.",
		RunE:  runDiscover,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: per-user app directory)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
	sendCmd.Flags().StringVar(&flagServer, "server", "", "server address override")
	sendCmd.Flags().StringVar(&flagName, "name", "", "client name override")

	rootCmd.AddCommand(sendCmd, discoverCmd)
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func loadClientConfig() (config.ClientConfig, error) {
	dataDir := flagDataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return config.ClientConfig{}, err
		}
		dataDir = resolved
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return config.ClientConfig{}, err
	}
	return config.LoadClientConfig(dataDir)
}

func runSend(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	if flagServer != "" {
		cfg.ServerAddr = flagServer
	}
	if flagName != "" {
		cfg.Name = flagName
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}

	c, err := client.New(client.Options{
		ServerAddr:        cfg.ServerAddr,
		Name:              cfg.Name,
		PrivateKeyPath:    cfg.PrivateKeyPath,
		IdentityPath:      cfg.IdentityPath,
		ConnectRetries:    cfg.ConnectRetries,
		ConnectRetryDelay: time.Duration(cfg.ConnectDelaySec) * time.Second,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSec) * time.Second,
		ChunkSize:         cfg.ChunkSize,
		Logger:            log,
		Progress: func(state client.State, sent, total int64) {
			if state == client.StateTransferring && total > 0 {
				fmt.Fprintf(os.Stderr, "\rtransferring %d/%d bytes", sent, total)
				if sent == total {
					fmt.Fprintln(os.Stderr)
				}
			}
		},
	})
	if err != nil {
		return err
	}

	if err := c.Backup(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println("backup verified")
	return nil
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	addr, err := client.LookupServer(ctx)
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
