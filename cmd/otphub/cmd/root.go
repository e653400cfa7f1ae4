// Package cmd implements the otphub command-line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wirasto/otphub/internal/config"
	"github.com/wirasto/otphub/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "otphub",
	Short: "Multi-account session acquisition and verification-code capture",
	Long: `otphub manages login sessions for multiple messaging accounts, listens
for service messages on every finalized session, and records the
verification codes they carry.

Run 'otphub serve' to start the web front end and the listener
coordinator, or 'otphub login' to enroll an account from the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootConfigPath string
	rootVerbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&rootVerbose, "verbose", false, "Verbose output")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func openStore(cfg config.Config) (*store.Store, error) {
	var opts []store.Option
	if cfg.SecretKey != "" {
		cipher, err := store.NewCipher(cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("secret key: %w", err)
		}
		opts = append(opts, store.WithCipher(cipher))
	}
	creds, err := store.Open(cfg.DatabasePath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return creds, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if rootVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
