package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirasto/otphub/internal/config"
	"github.com/wirasto/otphub/internal/listener"
	"github.com/wirasto/otphub/internal/login"
	"github.com/wirasto/otphub/internal/protocol"
	"github.com/wirasto/otphub/internal/sessionfile"
	"github.com/wirasto/otphub/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web front end and the session listener coordinator",
	Long: `Start the long-running service: the web login flow, the operator query
API, and the coordinator that discovers finalized sessions and records
incoming verification codes.

Examples:
  # Start with defaults (web on :8080, agent on localhost:7790)
  otphub serve

  # Custom config and verbose logging
  otphub serve --config /etc/otphub/config.yaml --verbose`,
	RunE: runServe,
}

var (
	serveListenAddr string
	serveAgentURL   string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Web listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveAgentURL, "agent-url", "", "Protocol agent base URL (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = serveListenAddr
	}
	if cmd.Flags().Changed("agent-url") {
		cfg.AgentURL = serveAgentURL
	}

	files, err := sessionfile.NewRegistry(cfg.SessionDir)
	if err != nil {
		return fmt.Errorf("session dir: %w", err)
	}

	creds, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer creds.Close()

	dialer := protocol.NewAgentDialer(cfg.AgentURL)
	mgr := login.NewManager(files, creds, dialer, logger)

	coordConfig := listener.Config{
		Interval:        cfg.PollInterval.Std(),
		ServiceSenderID: cfg.ServiceSenderID,
		WatchSessions:   cfg.WatchSessions,
		Logger:          logger,
	}
	coord := listener.New(coordConfig, files, creds, dialer)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	server := web.NewServer(cfg.ListenAddr, mgr, creds, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("otphub started\n")
	fmt.Printf("  Web: http://localhost%s\n", cfg.ListenAddr)
	fmt.Printf("  Agent: %s\n", cfg.AgentURL)
	fmt.Printf("  Sessions: %s\n", cfg.SessionDir)
	fmt.Printf("  Poll interval: %s\n", cfg.PollInterval.Std())
	fmt.Println("Press Ctrl+C to stop.")

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			_ = coord.Stop()
			return fmt.Errorf("web server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("web shutdown", "error", err)
	}
	if err := coord.Stop(); err != nil {
		logger.Warn("coordinator shutdown", "error", err)
	}
	return nil
}
