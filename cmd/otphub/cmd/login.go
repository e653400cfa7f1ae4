package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wirasto/otphub/internal/config"
	"github.com/wirasto/otphub/internal/login"
	"github.com/wirasto/otphub/internal/protocol"
	"github.com/wirasto/otphub/internal/sessionfile"
)

var loginCmd = &cobra.Command{
	Use:   "login <phone>",
	Short: "Enroll an account from the terminal",
	Long: `Run the login flow for one account without the web front end.

Sends a verification code to the account, prompts for it, and prompts
for the two-factor password when the account requires one. On success
the session is finalized and the listener coordinator will pick it up
on its next scan.

Examples:
  otphub login +6281234567890`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	identity := args[0]

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return err
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

	ctx := cmd.Context()
	if err := mgr.Start(ctx, identity); err != nil {
		return fmt.Errorf("request code: %w", err)
	}
	fmt.Printf("Verification code sent to %s.\n", identity)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Code: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}

		needSecond, err := mgr.SubmitCode(ctx, identity, strings.TrimSpace(line))
		if errors.Is(err, login.ErrInvalidCode) {
			fmt.Println("Wrong code, try again.")
			continue
		}
		if err != nil {
			return err
		}
		if !needSecond {
			break
		}

		if err := promptSecondFactor(ctx, mgr, identity); err != nil {
			return err
		}
		break
	}

	fmt.Printf("%s signed in.\n", identity)
	return nil
}

func promptSecondFactor(ctx context.Context, mgr *login.Manager, identity string) error {
	for {
		fmt.Print("Two-factor password: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return err
		}

		err = mgr.SubmitSecondFactor(ctx, identity, string(secret))
		if errors.Is(err, login.ErrInvalidSecondFactor) {
			fmt.Println("Wrong password, try again.")
			continue
		}
		return err
	}
}
