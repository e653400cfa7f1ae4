package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wirasto/otphub/internal/config"
	"github.com/wirasto/otphub/internal/sessionfile"
)

// AccountStatus is one row of the accounts report.
type AccountStatus struct {
	Identity  string `json:"identity"`
	HasCode   bool   `json:"has_code"`
	HasSecret bool   `json:"has_secret"`
	Session   bool   `json:"session"`
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List enrolled accounts",
	Long: `Shows every account in the credential store, whether a verification
code has been captured for it, and whether a finalized session exists.

Use --json for machine-readable output.

Examples:
  otphub accounts
  otphub accounts --json`,
	RunE: runAccounts,
}

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAccounts(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

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

	identities, err := creds.ListIdentities()
	if err != nil {
		return err
	}

	statuses := make([]AccountStatus, 0, len(identities))
	for _, identity := range identities {
		rec, ok, err := creds.Get(identity)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		statuses = append(statuses, AccountStatus{
			Identity:  identity,
			HasCode:   rec.Code != nil,
			HasSecret: rec.Secret != nil,
			Session:   files.HasFinal(identity),
		})
	}

	if jsonOutput {
		data, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(statuses) == 0 {
		fmt.Println("No accounts enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tCODE\tSECRET\tSESSION")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			st.Identity, yesNo(st.HasCode), yesNo(st.HasSecret), yesNo(st.Session))
	}
	return w.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "-"
}
