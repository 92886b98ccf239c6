package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/config"
)

var (
	resetIncludeAudit bool
	resetForce        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the state file",
	Long: `Remove state.json and its backup. This deletes every role, assignment
and condition rule held by the state driver. The next start re-seeds
from the policy config section.

SQL stores are not touched; use "import --replace" with an empty bundle.

Optional flags:
  --include-audit   Also remove the audit log file
  --force           Skip confirmation prompt`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeAudit, "include-audit", false, "Also remove the audit log file")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		// Reset must work even with a broken config file.
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	statePath := stateFilePath
	if statePath == "" {
		statePath = cfg.Store.StatePath
	}

	type target struct {
		path string
		desc string
	}
	targets := []target{
		{statePath, "state file"},
		{statePath + ".bak", "state backup"},
	}
	if resetIncludeAudit {
		if path := parseFileURI(cfg.Audit.Output); path != "" {
			targets = append(targets, target{path, "audit log"})
		}
	}

	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	stderr := cmd.ErrOrStderr()
	if len(existing) == 0 {
		fmt.Fprintln(stderr, "Nothing to reset: no state files found.")
		return nil
	}

	fmt.Fprintln(stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	if !resetForce {
		fmt.Fprint(stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer) //nolint:errcheck // empty answer aborts
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(stderr, "Aborted.")
			return nil
		}
	}

	var failed int
	for _, t := range existing {
		if err := os.Remove(t.path); err != nil {
			fmt.Fprintf(stderr, "  ERROR removing %s: %v\n", t.path, err)
			failed++
		} else {
			fmt.Fprintf(stderr, "  Removed %s\n", t.path)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) could not be removed", failed)
	}
	fmt.Fprintln(stderr, "\nReset complete.")
	return nil
}
